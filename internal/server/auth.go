package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("server: missing bearer token")
	ErrInvalidToken = errors.New("server: invalid bearer token")
)

// Authenticator resolves the caller identity from an Authorization header.
type Authenticator interface {
	Authenticate(authorization string) (subject string, err error)
}

// JWTAuthenticator verifies HS256 bearer tokens signed with a shared key.
// The token subject is the caller identity; exp is mandatory.
type JWTAuthenticator struct {
	key    []byte
	now    func() time.Time
	leeway time.Duration
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("server: jwt secret must be at least 16 bytes")
	}
	return &JWTAuthenticator{key: []byte(secret), now: time.Now, leeway: 30 * time.Second}, nil
}

func (a *JWTAuthenticator) Authenticate(authorization string) (string, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return sub, nil
}

// SignDevToken mints a token accepted by a JWTAuthenticator with the same
// secret. It is meant for local tooling and tests.
func SignDevToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return tok.SignedString([]byte(secret))
}
