package identity

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("identity: invalid user id")

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Profile carries the raw naming fields a profile lookup may return. Any
// subset of the fields may be blank.
type Profile struct {
	FirstName string
	LastName  string
	FullName  string
	Username  string
	AvatarURL string
}

// DisplayIdentity is the normalized display form of a chat participant.
type DisplayIdentity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Resolve builds a DisplayIdentity from a raw profile, applying the display
// name precedence order: first+last name, then full name, then username, then
// the raw user id.
func Resolve(userID string, profile Profile, avatarBaseURL string) DisplayIdentity {
	return DisplayIdentity{
		UserID:      userID,
		DisplayName: ResolveDisplayName(userID, profile),
		AvatarURL:   NormalizeAvatarURL(avatarBaseURL, profile.AvatarURL),
	}
}

// ResolveDisplayName applies the display name precedence order against the
// profile fields, falling back to the raw user id when every field is blank.
func ResolveDisplayName(userID string, profile Profile) string {
	first := strings.TrimSpace(profile.FirstName)
	last := strings.TrimSpace(profile.LastName)
	if first != "" || last != "" {
		return strings.TrimSpace(first + " " + last)
	}
	if full := strings.TrimSpace(profile.FullName); full != "" {
		return full
	}
	if username := strings.TrimSpace(profile.Username); username != "" {
		return username
	}
	return strings.TrimSpace(userID)
}

// NormalizeAvatarURL returns an absolute avatar URL. Absolute URLs pass
// through unchanged; relative paths are joined against the configured base
// URL with duplicate slashes collapsed. Blank input yields a blank URL.
func NormalizeAvatarURL(baseURL, rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return raw
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(raw, "/")
}

// Fallback produces a DisplayIdentity carrying only what is known locally,
// used when profile resolution fails. A blank username degrades to the raw id.
func Fallback(userID, username string) DisplayIdentity {
	name := strings.TrimSpace(username)
	if name == "" {
		name = strings.TrimSpace(userID)
	}
	return DisplayIdentity{UserID: userID, DisplayName: name}
}
