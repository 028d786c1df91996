// Package auth issues and verifies participant tokens. A token binds a username
// to one session code so that later operations can be attributed to the caller
// who joined.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	issuer   = "framerate"
	keyInfo  = "framerate participant token"
	keyBytes = 32
)

var (
	ErrMissingToken = errors.New("missing participant token")
	ErrInvalidToken = errors.New("invalid participant token")
)

// Claims are the JWT claims of a participant token. Subject is the username.
type Claims struct {
	Code string `json:"code"`
	jwt.RegisteredClaims
}

// Issuer signs and parses participant tokens with HS256.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer derives the signing key from secret with HKDF-SHA256.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}
	key := make([]byte, keyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	return &Issuer{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for username in session code.
func (i *Issuer) Issue(code, username string) (string, error) {
	now := i.now()
	claims := Claims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Parse verifies token and returns its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrMissingToken
	}
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != issuer || claims.Code == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Authorize checks that token belongs to username in code.
func (i *Issuer) Authorize(token, code, username string) error {
	claims, err := i.Parse(token)
	if err != nil {
		return err
	}
	if claims.Code != code || claims.Subject != username {
		return fmt.Errorf("%w: token is for another participant", ErrInvalidToken)
	}
	return nil
}
