package auth

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "hostelpro"

// Claims are the session token claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AccountID returns the numeric subject
func (c *Claims) AccountID() int64 {
	id, _ := strconv.ParseInt(c.Subject, 10, 64)
	return id
}

// TokenManager issues and verifies HS256 session tokens. Logged-out tokens
// are remembered by ID until they would have expired anyway.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewTokenManager creates a manager signing with secret
func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// TTL returns the session lifetime
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue returns a signed token for the account
func (m *TokenManager) Issue(acc Account) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		Username: acc.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(acc.ID, 10),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies the token and returns its claims
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoSession
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if !token.Valid {
		return nil, ErrNoSession
	}

	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: session ended", ErrNoSession)
	}

	return claims, nil
}

// Revoke invalidates the token with the given claims
func (m *TokenManager) Revoke(claims *Claims) error {
	if claims == nil || claims.ID == "" {
		return errors.New("token has no id")
	}

	expires := m.now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.revoked[claims.ID] = expires
	m.pruneLocked()
	return nil
}

// pruneLocked drops revocations of tokens that have expired on their own
func (m *TokenManager) pruneLocked() {
	now := m.now()
	for id, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, id)
		}
	}
}
