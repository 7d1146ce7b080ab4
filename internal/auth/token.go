// Package auth is the credential service: it issues and verifies HS256
// bearer tokens and carries the resolved identity through request contexts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const issuer = "taskboard-sync"

type claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

type TokenService struct {
	secret []byte
	now    func() time.Time
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret), now: time.Now}
}

func (s *TokenService) Issue(id model.Identity, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DisplayName: id.DisplayName,
	})
	return token.SignedString(s.secret)
}

// Verify returns the identity in a valid token. Any failure, including
// expiry, is reported as ErrUnauthenticated.
func (s *TokenService) Verify(tokenString string) (model.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return model.Identity{ID: c.Subject, DisplayName: c.DisplayName}, nil
}

// Subject reads the user id out of a token without checking its signature.
// Clients use it to label their own view; only Verify grants access.
func Subject(tokenString string) (string, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &c); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return c.Subject, nil
}
