package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

// TokenIssuerConfig configures the HS256 token issuer used by the stub backend.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 access tokens. Only the stub backend
// signs tokens; the production backend is remote and owns its own secret.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// Issue produces a signed access token and its expiry (seconds) for the user.
func (i *TokenIssuer) Issue(userID, username string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, fmt.Errorf("auth: signing secret must be provided")
	}
	if userID == "" {
		return "", 0, fmt.Errorf("auth: user id must be provided")
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := AccessClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and signed, returning its claims.
func (i *TokenIssuer) Validate(tokenString string) (AccessClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return AccessClaims{}, fmt.Errorf("auth: signing secret must be provided")
	}

	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return AccessClaims{}, err
	}
	if claims.UserID == "" {
		return AccessClaims{}, fmt.Errorf("auth: user id claim must be provided")
	}
	return *claims, nil
}
