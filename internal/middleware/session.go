package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"hostelpro/internal/auth"
	apperrors "hostelpro/internal/errors"
)

// SessionCookie is the default name of the admin session cookie
const SessionCookie = "hostelpro_session"

type claimsKey struct{}

// Authenticator validates session tokens
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
}

// SessionToken returns the session token from the named cookie or a bearer
// header
func SessionToken(r *http.Request, cookieName string) string {
	if cookieName == "" {
		cookieName = SessionCookie
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// RequireSession rejects requests without a live admin session
func RequireSession(authn Authenticator, cookieName string, errs *apperrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authn.Authenticate(r.Context(), SessionToken(r, cookieName))
			if err != nil {
				logger.DebugContext(r.Context(), "session rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				errs.HandleError(w, r, auth.ErrNoSession)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the session claims set by RequireSession
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

// AuditLog records state-changing admin requests
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				return
			}
			username := ""
			if c, ok := ClaimsFromContext(r.Context()); ok {
				username = c.Username
			}
			logger.InfoContext(r.Context(), "audit",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.statusCode),
				slog.String("username", username),
				slog.String("client_ip", GetRealIP(r)),
				slog.String("trace_id", GetRequestID(r.Context())))
		})
	}
}
