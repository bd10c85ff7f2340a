package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and relative paths that climb out of
// the working directory.
func ValidateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}
	return nil
}
