// ABOUTME: Identity keys that name one conversation on one messaging platform
// ABOUTME: A key is a platform tag plus scope parts (user id, or channel and thread ids)

package session

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Platform identifies the messaging platform an event arrived on.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
	PlatformLine     Platform = "line"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformTelegram, PlatformDiscord, PlatformSlack, PlatformLine}

// ErrInvalidKey is returned when an identity key cannot be built from its parts.
var ErrInvalidKey = errors.New("invalid identity key")

// ParsePlatform converts a platform name (case-insensitive) into a Platform.
func ParsePlatform(name string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidKey, name)
}

// Key identifies one logical conversation. The zero Key is invalid.
// Keys are comparable and safe to use as map keys.
type Key struct {
	platform Platform
	scope    string
}

// NewKey builds a key from a platform and one or more scope parts.
// DM-style platforms pass a user id; channel-style platforms pass channel and thread ids.
func NewKey(platform Platform, parts ...string) (Key, error) {
	if _, err := ParsePlatform(string(platform)); err != nil {
		return Key{}, err
	}
	if len(parts) == 0 {
		return Key{}, fmt.Errorf("%w: scope is required", ErrInvalidKey)
	}
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Key{}, fmt.Errorf("%w: empty scope part", ErrInvalidKey)
		}
		if strings.ContainsFunc(part, unicode.IsSpace) {
			return Key{}, fmt.Errorf("%w: scope part %q contains whitespace", ErrInvalidKey, part)
		}
		cleaned = append(cleaned, part)
	}
	return Key{
		platform: Platform(strings.ToLower(string(platform))),
		scope:    strings.Join(cleaned, ":"),
	}, nil
}

// Platform returns the platform tag of the key.
func (k Key) Platform() Platform { return k.platform }

// Scope returns the joined scope parts.
func (k Key) Scope() string { return k.scope }

// IsZero reports whether the key was never constructed.
func (k Key) IsZero() bool { return k.platform == "" }

// String renders the key as platform:scope.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.platform) + ":" + k.scope
}
