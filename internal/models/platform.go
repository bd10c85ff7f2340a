package models

import (
	"strings"

	apperrors "socialbridge/internal/errors"
)

// Platform identifies a social network behind a connector
type Platform string

const (
	PlatformFacebook  Platform = "Facebook"
	PlatformInstagram Platform = "Instagram"
	PlatformWhatsApp  Platform = "WhatsApp"
)

// Platforms lists every supported platform in a stable order
func Platforms() []Platform {
	return []Platform{PlatformFacebook, PlatformInstagram, PlatformWhatsApp}
}

// ParsePlatform resolves a platform key case-insensitively ("whatsapp", "WhatsApp")
func ParsePlatform(key string) (Platform, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, p := range Platforms() {
		if strings.ToLower(string(p)) == normalized {
			return p, nil
		}
	}
	return "", apperrors.NewUnsupportedPlatformError(key)
}

// Key is the lower-case form used in URLs, metrics labels and registry lookups
func (p Platform) Key() string {
	return strings.ToLower(string(p))
}

// IsGraph reports whether the platform is served by the Graph API page endpoints
func (p Platform) IsGraph() bool {
	return p == PlatformFacebook || p == PlatformInstagram
}
