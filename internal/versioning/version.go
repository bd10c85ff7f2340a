// Package versioning negotiates the version of the HTTP API a client expects
package versioning

import (
	"fmt"
	"strconv"
	"strings"
)

// APIVersion is a major.minor API version
type APIVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other
func (v APIVersion) Compare(other APIVersion) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	default:
		return sign(v.Minor - other.Minor)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

var (
	// CurrentVersion is the version this build serves
	CurrentVersion = APIVersion{Major: 1, Minor: 1}
	// MinimumSupportedVersion is the oldest version still answered
	MinimumSupportedVersion = APIVersion{Major: 1, Minor: 0}
)

// ParseVersion accepts "1", "1.2", "v1.2" and "1.2.3"; a patch component is
// ignored.
func ParseVersion(raw string) (APIVersion, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	parts := strings.Split(s, ".")
	if s == "" || len(parts) > 3 {
		return APIVersion{}, fmt.Errorf("invalid version format: %q", raw)
	}

	nums := make([]int, 2)
	for i := 0; i < len(parts) && i < 2; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return APIVersion{}, fmt.Errorf("invalid version format: %q", raw)
		}
		nums[i] = n
	}
	if len(parts) == 3 {
		if _, err := strconv.Atoi(parts[2]); err != nil {
			return APIVersion{}, fmt.Errorf("invalid version format: %q", raw)
		}
	}
	return APIVersion{Major: nums[0], Minor: nums[1]}, nil
}

// Supported reports whether requests for v can be served. Anything between
// the minimum and the current version is answered by the current handlers.
func Supported(v APIVersion) bool {
	return v.Compare(MinimumSupportedVersion) >= 0 && v.Compare(CurrentVersion) <= 0
}

// Range renders the supported versions for the response header
func Range() string {
	return MinimumSupportedVersion.String() + " - " + CurrentVersion.String()
}
