// Package adminauth implements the admin port's login flow: a single
// password checked against the configured bcrypt hash, and a
// short-lived JWT issued on success. This mirrors the original
// AdminAuthService (services/admin_auth.py) one-for-one — PyJWT's
// HS256 encode/decode becomes github.com/golang-jwt/jwt/v4's, and
// bcrypt is the same algorithm on both sides, just via
// golang.org/x/crypto/bcrypt instead of passlib.
package adminauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadPassword = errors.New("adminauth: invalid password")
	ErrBadToken    = errors.New("adminauth: invalid or expired token")
)

// HashPassword bcrypt-hashes an admin password for storage in config,
// at the same 12-round cost the original service fixed.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), 12)
	if err != nil {
		return "", fmt.Errorf("adminauth: hash: %w", err)
	}
	return string(b), nil
}

// Service issues and verifies admin session tokens.
type Service struct {
	passwordHash string
	secret       []byte
	ttl          time.Duration
}

// New constructs a Service from the configured password hash, JWT
// signing secret, and token TTL.
func New(passwordHash, secret string, ttlHours int) *Service {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &Service{
		passwordHash: passwordHash,
		secret:       []byte(secret),
		ttl:          time.Duration(ttlHours) * time.Hour,
	}
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticate checks plain against the configured password hash and,
// on success, issues a signed token.
func (s *Service) Authenticate(plain string) (string, error) {
	if bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(plain)) != nil {
		return "", ErrBadPassword
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("adminauth: sign: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token's signature and expiry.
func (s *Service) Verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrBadToken
	}
	return nil
}

// ExtractBearer splits the "Bearer <token>" Authorization header
// value, matching extract_token_from_header's scheme check.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
