// Package token issues and verifies the signed credentials presented by
// HTTP requests and WebSocket sessions.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential covers malformed, expired and badly signed
// credentials. Callers never learn which.
var ErrInvalidCredential = errors.New("invalid credential")

// Claims is what a verified credential tells us.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Manager signs and verifies HS256 credentials. It holds no mutable
// state and is safe for concurrent use.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(secret string, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL is the lifetime of issued credentials.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a credential for userID.
func (m *Manager) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("issue token: empty user id")
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the user id carried by credential.
func (m *Manager) Verify(credential string) (string, error) {
	c, err := m.Parse(credential)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// Parse verifies credential and returns its claims.
func (m *Manager) Parse(credential string) (Claims, error) {
	if credential == "" {
		return Claims{}, ErrInvalidCredential
	}

	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(credential, &rc, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || rc.Subject == "" {
		return Claims{}, ErrInvalidCredential
	}
	return Claims{UserID: rc.Subject, ExpiresAt: rc.ExpiresAt.Time}, nil
}
