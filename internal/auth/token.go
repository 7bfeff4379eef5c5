package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates a blank token string.
	ErrMissingToken = errors.New("auth: token required")
	// ErrMalformedToken indicates the token could not be parsed as a JWT.
	ErrMalformedToken = errors.New("auth: malformed token")
	// ErrExpiredToken indicates the token's expiry claim is in the past.
	ErrExpiredToken = errors.New("auth: token expired")
)

// AccessClaims mirrors the JWT payload issued by the Driftcast backend.
type AccessClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseAccessClaims extracts claims from a backend-issued access token
// without verifying its signature. The client holds no signing secret; the
// server remains the authority and re-validates the token on every use. The
// parse exists so the client can learn its own user id and gate connection
// attempts on expiry.
func ParseAccessClaims(tokenString string, clock func() time.Time) (AccessClaims, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return AccessClaims{}, ErrMissingToken
	}
	if clock == nil {
		clock = time.Now
	}

	claims := &AccessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, claims); err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(clock()) {
		return AccessClaims{}, ErrExpiredToken
	}
	if strings.TrimSpace(claims.UserID) == "" && strings.TrimSpace(claims.Subject) != "" {
		claims.UserID = claims.Subject
	}
	return *claims, nil
}
