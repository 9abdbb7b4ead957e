package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/auth"
	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/shared/testutil"
)

func TestRequireSession(t *testing.T) {
	tokens := auth.NewTokenManager([]byte("middleware-test-secret"), time.Hour)
	token, _, err := tokens.Issue(auth.Account{ID: 1, Username: "admin"})
	require.NoError(t, err)

	errs := apperrors.NewErrorHandler(testutil.DiscardLogger(), false)
	var username string
	h := RequireSession(sessionAuth{tokens}, SessionCookie, errs, testutil.DiscardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFromContext(r.Context())
			require.True(t, ok)
			username = c.Username
		}))

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/license/deactivate", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin", username)
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/license/deactivate", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/license/deactivate", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ProblemContentType, rec.Header().Get("Content-Type"))
	})

	t.Run("revoked", func(t *testing.T) {
		claims, err := tokens.Parse(token)
		require.NoError(t, err)
		require.NoError(t, tokens.Revoke(claims))

		req := httptest.NewRequest(http.MethodPost, "/api/license/deactivate", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuditLog(t *testing.T) {
	logger, records := testutil.NewTestLogger(t)
	h := AuditLog(logger)(okHandler)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/license", nil))
	assert.False(t, records.ContainsMessage("audit"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/license/revoke", nil))
	assert.True(t, records.ContainsMessage("audit"))
	assert.True(t, records.AnyAttrContains("/api/license/revoke"))
}

type sessionAuth struct {
	tokens *auth.TokenManager
}

func (s sessionAuth) Authenticate(_ context.Context, token string) (*auth.Claims, error) {
	return s.tokens.Parse(token)
}
