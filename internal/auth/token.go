// ABOUTME: JWT token verification for authenticating platform adapters
// ABOUTME: Uses HS256 signing; a platforms claim scopes which platforms an adapter may submit for

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HS256 secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Identity is the authenticated adapter extracted from a verified token.
type Identity struct {
	AdapterID string
	// Platforms the adapter may submit events for. Empty means all.
	Platforms []string
}

// Allows reports whether the identity may submit events for platform.
func (i *Identity) Allows(platform string) bool {
	if i == nil {
		return false
	}
	if len(i.Platforms) == 0 {
		return true
	}
	return slices.Contains(i.Platforms, strings.ToLower(platform))
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

type adapterClaims struct {
	Platforms []string `json:"platforms,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the adapter identity from the "sub" and "platforms" claims
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	claims := &adapterClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Identity{AdapterID: claims.Subject, Platforms: claims.Platforms}, nil
}

// Generate creates a new JWT token for the given adapter with expiration.
// An empty platforms list grants every platform.
func (v *JWTVerifier) Generate(adapterID string, platforms []string, expiresIn time.Duration) (string, error) {
	if adapterID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	normalized := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			normalized = append(normalized, p)
		}
	}

	now := v.now()
	claims := adapterClaims{
		Platforms: normalized,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adapterID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
