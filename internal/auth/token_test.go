package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_IssueAndParse(t *testing.T) {
	m := NewTokenManager([]byte("secret-one"), time.Hour)
	m.now = func() time.Time { return testNow }

	token, claims, err := m.Issue(Account{ID: 7, Username: "manager"})
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, int64(7), claims.AccountID())

	parsed, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "manager", parsed.Username)
	assert.Equal(t, claims.ID, parsed.ID)
	assert.Equal(t, int64(7), parsed.AccountID())
}

func TestTokenManager_Rejects(t *testing.T) {
	m := NewTokenManager([]byte("secret-one"), time.Hour)
	m.now = func() time.Time { return testNow }
	token, _, err := m.Issue(Account{ID: 1, Username: "manager"})
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := m.Parse("")
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewTokenManager([]byte("secret-two"), time.Hour)
		other.now = m.now
		_, err := other.Parse(token)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenManager([]byte("secret-one"), time.Hour)
		later.now = func() time.Time { return testNow.Add(2 * time.Hour) }
		_, err := later.Parse(token)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("unsigned algorithm", func(t *testing.T) {
		claims := &Claims{
			Username: "manager",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    tokenIssuer,
				ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
			},
		}
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.Parse(none)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := &Claims{
			Username: "manager",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
			},
		}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret-one"))
		require.NoError(t, err)
		_, err = m.Parse(forged)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestTokenManager_RevokePrunes(t *testing.T) {
	now := testNow
	m := NewTokenManager([]byte("secret-one"), time.Hour)
	m.now = func() time.Time { return now }

	token, claims, err := m.Issue(Account{ID: 1, Username: "manager"})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(claims))

	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Len(t, m.revoked, 1)

	now = now.Add(2 * time.Hour)
	_, later, err := m.Issue(Account{ID: 1, Username: "manager"})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(later))

	assert.Len(t, m.revoked, 1)
	assert.Contains(t, m.revoked, later.ID)

	assert.Error(t, m.Revoke(nil))
}
