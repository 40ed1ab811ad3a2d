// Package auth verifies caller identity for the management API. Two
// credential kinds are accepted: HS256 JWTs carrying a subject and role,
// and static API keys checked against configured SHA-256 hashes.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles, from least to most privileged.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// ErrInvalidAPIKey is returned when an API key hash does not match any
// configured key.
var ErrInvalidAPIKey = errors.New("auth: invalid API key")

// Claims holds the JWT token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken creates a signed HS256 access token for a subject.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "caravel",
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string. Returns the embedded claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	return claims, nil
}

// HashAPIKey returns the hex SHA-256 digest of a raw key, the form keys
// are configured in.
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// ValidateAPIKey checks a raw key against the configured hash-to-role map
// and returns the role granted to the key.
func ValidateAPIKey(keyRoles map[string]string, rawKey string) (string, error) {
	role, ok := keyRoles[HashAPIKey(rawKey)]
	if !ok {
		return "", fmt.Errorf("auth.ValidateAPIKey: %w", ErrInvalidAPIKey)
	}
	return role, nil
}
