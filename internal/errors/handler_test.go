package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/auth"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
	"hostelpro/internal/shared/testutil"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, ProblemContentType, rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorToProblem(t *testing.T) {
	h := NewErrorHandler(testutil.DiscardLogger(), false)
	req := httptest.NewRequest(http.MethodPost, "/api/license/deactivate", nil)

	tests := []struct {
		name     string
		err      error
		status   int
		probType string
	}{
		{"unknown license", fmt.Errorf("deactivate: %w", license.ErrNotFound), http.StatusNotFound, TypeLicenseNotFound},
		{"no active license", license.ErrNoActiveLicense, http.StatusNotFound, TypeNoActiveLicense},
		{"key collision", license.ErrKeyCollision, http.StatusConflict, TypeKeyCollision},
		{"revoked is final", license.ErrInvalidTransition, http.StatusConflict, TypeInvalidTransition},
		{"bad issue request", license.ErrInvalidRequest, http.StatusBadRequest, TypeValidation},
		{"identity unavailable", fmt.Errorf("resolve: %w", machineid.ErrIdentityUnavailable), http.StatusInternalServerError, TypeIdentityUnavailable},
		{"admin exists", auth.ErrAdminExists, http.StatusConflict, TypeAdminExists},
		{"bad credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized, TypeInvalidCredentials},
		{"locked", &auth.LockedError{Until: time.Now().Add(time.Minute)}, http.StatusTooManyRequests, TypeAccountLocked},
		{"weak password", auth.ErrWeakPassword, http.StatusBadRequest, TypeValidation},
		{"no session", auth.ErrNoSession, http.StatusUnauthorized, TypeUnauthorized},
		{"forbidden", ErrForbidden, http.StatusForbidden, TypeForbidden},
		{"issuance disabled", ErrIssuanceDisabled, http.StatusForbidden, TypeIssuanceDisabled},
		{"unexpected", fmt.Errorf("disk on fire"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.probType, p.Type)
			assert.Equal(t, "/api/license/deactivate", p.Instance)
		})
	}
}

func TestErrorToProblem_LockedRetryAfter(t *testing.T) {
	h := NewErrorHandler(testutil.DiscardLogger(), false)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	p := h.ErrorToProblem(&auth.LockedError{Until: now.Add(90 * time.Second)}, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, 90, p.Extensions["retry_after"])
}

func TestErrorToProblem_ValidationErrors(t *testing.T) {
	type body struct {
		LicenseKey string `validate:"required"`
	}
	err := validator.New().Struct(body{})
	require.Error(t, err)

	h := NewErrorHandler(testutil.DiscardLogger(), false)
	p := h.ErrorToProblem(err, httptest.NewRequest(http.MethodPost, "/api/license/validate", nil))
	assert.Equal(t, http.StatusBadRequest, p.Status)
	fields, ok := p.Extensions["errors"].([]ValidationError)
	require.True(t, ok)
	require.Len(t, fields, 1)
	assert.Equal(t, "licensekey", fields[0].Field)
	assert.Equal(t, "is required", fields[0].Message)
}

func TestHandleError_WritesProblem(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	rec := httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/api/license", nil), license.ErrNoActiveLicense)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeNoActiveLicense, body["type"])
	assert.Equal(t, license.ErrCodeNoActiveLicense, body["error_code"])
	assert.Contains(t, body, "trace_id")
	assert.True(t, handler.ContainsMessage("request failed"))

	// nil is ignored
	rec = httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Zero(t, rec.Body.Len())
}

func TestRecoverer(t *testing.T) {
	h := NewErrorHandler(testutil.DiscardLogger(), true)
	srv := h.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, "boom", body["panic"])
	assert.NotEmpty(t, body["stack"])
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := NewErrorHandler(nil, false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, TypeNotFound, decodeProblem(t, rec)["type"])

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/license", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeProblem(t, rec)["detail"], "DELETE")
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	p := NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", "", "/x").
		WithExtension("error_code", "X").
		WithExtension("status", 999)

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(http.StatusConflict), body["status"], "extensions cannot override standard members")
	assert.Equal(t, "X", body["error_code"])
	assert.NotContains(t, body, "detail")
}
