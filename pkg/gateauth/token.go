package gateauth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the gateway's session JWT claims.
type SessionClaims struct {
	jwt.RegisteredClaims
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

const tokenIssuer = "helix/gateway"

// TokenMinter issues and validates short-lived HS256 session tokens.
// Tokens are revocable by id, which role changes use to cut standing
// sessions loose.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
	clock   func() time.Time
}

// NewTokenMinter creates a minter with the given signing secret and TTL.
func NewTokenMinter(secret []byte, ttl time.Duration) *TokenMinter {
	return &TokenMinter{
		secret:  secret,
		ttl:     ttl,
		revoked: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *TokenMinter) WithClock(clock func() time.Time) *TokenMinter {
	m.clock = clock
	return m
}

// Mint issues a session token for the subject.
func (m *TokenMinter) Mint(subject, role string, scopes []string) (string, error) {
	now := m.clock().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Role:   role,
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("gateauth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token.
func (m *TokenMinter) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gateauth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.clock() }))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("gateauth: token %s revoked", claims.ID)
	}
	return claims, nil
}

// Revoke invalidates a token by its id. Expired revocations are pruned
// opportunistically.
func (m *TokenMinter) Revoke(tokenID string) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = now.Add(m.ttl)
	for id, until := range m.revoked {
		if now.After(until) {
			delete(m.revoked, id)
		}
	}
}
