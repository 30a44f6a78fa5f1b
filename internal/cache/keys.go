package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Key discipline: every key lives under a profile namespace and is restricted
// to a safe character set so file-backed storage cannot be escaped.

const profilePrefix = "profiles/"

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateKey rejects keys outside the allowed alphabet, keys containing
// path traversal, and keys missing the profiles/<profile>/ namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("cache key %q contains invalid characters", key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("cache key %q contains path traversal", key)
	}
	if !strings.HasPrefix(key, profilePrefix) {
		return fmt.Errorf("cache key %q is not profile-scoped", key)
	}
	rest := strings.TrimPrefix(key, profilePrefix)
	if i := strings.IndexByte(rest, '/'); i <= 0 || i == len(rest)-1 {
		return fmt.Errorf("cache key %q is missing a profile segment", key)
	}
	return nil
}

// Key builds a profile-scoped key from path segments.
func Key(profile string, parts ...string) string {
	return profilePrefix + profile + "/" + strings.Join(parts, "/")
}

// ProfilePrefix returns the namespace prefix for a profile, used by
// prefix invalidation. profile "*" selects every profile.
func ProfilePrefix(profile string) string {
	if profile == "*" {
		return profilePrefix
	}
	return profilePrefix + profile + "/"
}

// hashKey maps a validated key to a stable file name. File names never embed
// the raw key, so no key construction can escape the cache root.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// profileOf extracts the profile segment of a validated key.
func profileOf(key string) string {
	rest := strings.TrimPrefix(key, profilePrefix)
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return rest
}
