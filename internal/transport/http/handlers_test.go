package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"hostelpro/internal/auth"
	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/gate"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
	"hostelpro/internal/middleware"
	"hostelpro/internal/shared/testutil"
)

const testAdminSecret = "s3cret-issuer"

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *recordingNotifier) PublishAuthChanged(_ context.Context, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNotifier) Reasons() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.reasons...)
}

type testAPI struct {
	t        *testing.T
	srv      *httptest.Server
	client   *http.Client
	engine   *license.Engine
	notifier *recordingNotifier
}

func newTestAPI(t *testing.T, adminSecret string) *testAPI {
	t.Helper()
	logger := testutil.DiscardLogger()
	errs := apperrors.NewErrorHandler(logger, false)

	engine := license.NewEngine(license.NewMemoryStore(), machineid.Static("machine-a"), license.WithLogger(logger))
	tokens := auth.NewTokenManager([]byte("handler-test-secret"), time.Hour)
	authSvc := auth.NewService(auth.NewMemoryAccountStore(), tokens, auth.Options{BcryptCost: bcrypt.MinCost}, logger)
	guard := middleware.NewLicenseGuard(engine, errs, logger, middleware.WithGuardTTL(0))
	notifier := &recordingNotifier{}

	licenses := NewLicenseHandler(engine, LicenseHandlerConfig{
		AdminSecret:  adminSecret,
		RequireAdmin: middleware.RequireSession(authSvc, middleware.SessionCookie, errs, logger),
	}, errs, logger)
	authH := NewAuthHandler(authSvc, engine, notifier, CookieConfig{}, errs, logger)

	r := chi.NewRouter()
	r.NotFound(errs.NotFound)
	r.Route("/api", func(r chi.Router) {
		licenses.RegisterRoutes(r)
		authH.RegisterRoutes(r, guard.Handler)
		r.Post("/logs", NewClientLogHandler(logger, errs).Handle)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testAPI{t: t, srv: srv, client: &http.Client{Jar: jar}, engine: engine, notifier: notifier}
}

func (a *testAPI) do(method, path string, body any) (*http.Response, map[string]any) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	out := map[string]any{}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		require.NoError(a.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (a *testAPI) issue(customer string) string {
	a.t.Helper()
	resp, body := a.do(http.MethodPost, "/api/license/generate", map[string]any{
		"customer_name": customer,
		"hostel_name":   customer + " Hostel",
		"expiry_date":   time.Now().AddDate(1, 0, 0).Format(time.DateOnly),
		"admin_secret":  testAdminSecret,
	})
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, body)
	key, _ := body["license_key"].(string)
	require.True(a.t, license.ValidKeyFormat(key), key)
	return key
}

func TestLicenseAPI_ActivationFlow(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)

	resp, body := api.do(http.MethodGet, "/api/license", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.TypeNoActiveLicense, body["type"])

	resp, body = api.do(http.MethodGet, "/api/machine-id", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	machineID := body["machine_id"].(string)
	assert.NotEmpty(t, machineID)

	key := api.issue("Amina")

	resp, body = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key, "machine_id": machineID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, string(license.ReasonActivated), body["reason"])
	assert.Equal(t, "Amina Hostel", body["hostel_name"])
	assert.NotContains(t, body, "machine_id_hash")

	resp, body = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": strings.ToLower(key), "machine_id": machineID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(license.ReasonAlreadyValid), body["reason"])

	resp, body = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key, "machine_id": "another-host"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, string(license.ReasonMachineMismatch), body["reason"])
	assert.NotContains(t, body, "license_key")

	resp, body = api.do(http.MethodGet, "/api/license", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, key, body["license_key"])
	assert.Equal(t, string(license.StatusActive), body["status"])
}

func TestLicenseAPI_UnknownKeyIsVerdict(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)

	resp, body := api.do(http.MethodPost, "/api/license/validate", map[string]string{
		"license_key": "HOSTELPRO-00000000-00000000-00000000-00000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, string(license.ReasonInvalidKey), body["reason"])
}

func TestLicenseAPI_UnusableMachineIDIsBadRequest(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)
	key := api.issue("Amina")

	resp, body := api.do(http.MethodPost, "/api/license/validate", map[string]string{
		"license_key": key,
		"machine_id":  "---",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	assert.Equal(t, apperrors.TypeValidation, body["type"])
}

func TestLicenseAPI_Generate(t *testing.T) {
	t.Run("wrong secret", func(t *testing.T) {
		api := newTestAPI(t, testAdminSecret)
		resp, body := api.do(http.MethodPost, "/api/license/generate", map[string]any{
			"customer_name": "A", "hostel_name": "B", "admin_secret": "guess",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, apperrors.TypeForbidden, body["type"])
	})

	t.Run("no secret configured", func(t *testing.T) {
		api := newTestAPI(t, "")
		resp, body := api.do(http.MethodPost, "/api/license/generate", map[string]any{
			"customer_name": "A", "hostel_name": "B", "admin_secret": "",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, apperrors.TypeIssuanceDisabled, body["type"])
	})

	t.Run("missing fields", func(t *testing.T) {
		api := newTestAPI(t, testAdminSecret)
		resp, body := api.do(http.MethodPost, "/api/license/generate", map[string]any{
			"customer_name": "A", "admin_secret": testAdminSecret,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		fields := body["errors"].([]any)
		require.Len(t, fields, 1)
		assert.Equal(t, "hostel_name", fields[0].(map[string]any)["field"])
	})

	t.Run("past expiry is issued then expires on validation", func(t *testing.T) {
		api := newTestAPI(t, testAdminSecret)
		resp, body := api.do(http.MethodPost, "/api/license/generate", map[string]any{
			"customer_name": "A", "hostel_name": "B", "expiry_date": "2001-01-01", "admin_secret": testAdminSecret,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, body)
		key := body["license_key"].(string)

		resp, body = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, string(license.ReasonExpired), body["reason"])
	})

	t.Run("bad expiry format", func(t *testing.T) {
		api := newTestAPI(t, testAdminSecret)
		resp, _ := api.do(http.MethodPost, "/api/license/generate", map[string]any{
			"customer_name": "A", "hostel_name": "B", "expiry_date": "next year", "admin_secret": testAdminSecret,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLicenseAPI_SuspendAndRevoke(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)
	key := api.issue("Bongani")

	resp, body := api.do(http.MethodPost, "/api/license/suspend", map[string]string{"license_key": key, "admin_secret": testAdminSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(license.StatusSuspended), body["license"].(map[string]any)["status"])

	resp, body = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(license.ReasonSuspendedOrRevoked), body["reason"])

	resp, _ = api.do(http.MethodPost, "/api/license/revoke", map[string]string{"license_key": key, "admin_secret": testAdminSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(http.MethodPost, "/api/license/suspend", map[string]string{"license_key": key, "admin_secret": testAdminSecret})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperrors.TypeInvalidTransition, body["type"])

	resp, _ = api.do(http.MethodPost, "/api/license/revoke", map[string]string{"license_key": "not-a-key", "admin_secret": testAdminSecret})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLicenseAPI_DeactivateNeedsSession(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)
	key := api.issue("Chen")

	resp, _ := api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/license/deactivate", map[string]string{"license_key": key})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/auth/setup", map[string]string{"username": "manager", "password": "correct horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/license/deactivate", map[string]string{"license_key": "HOSTELPRO-00000000-00000000-00000000-00000000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := api.do(http.MethodPost, "/api/license/deactivate", map[string]string{"license_key": key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, _ = api.do(http.MethodGet, "/api/license", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLicenseAPI_Export(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)
	key := api.issue("Dara")

	resp, err := api.client.Get(api.srv.URL + "/api/license/export?format=csv&admin_secret=" + testAdminSecret)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "hostelpro-licenses-")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), key)

	r2, _ := api.do(http.MethodGet, "/api/license/export?format=pdf&admin_secret="+testAdminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)

	r3, _ := api.do(http.MethodGet, "/api/license/export", nil)
	assert.Equal(t, http.StatusForbidden, r3.StatusCode)
}

func TestAuthAPI_GateWalkthrough(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)

	gateState := func() gate.State {
		t.Helper()
		resp, body := api.do(http.MethodGet, "/api/gate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return gate.State(body["state"].(string))
	}

	assert.Equal(t, gate.StateUnlicensed, gateState())

	// setup is refused until the machine is licensed
	resp, _ := api.do(http.MethodPost, "/api/auth/setup", map[string]string{"username": "manager", "password": "correct horse"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	key := api.issue("Esi")
	resp, _ = api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, gate.StateNeedsAdminSetup, gateState())

	resp, body := api.do(http.MethodGet, "/api/auth/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["hasAdminAccount"])

	resp, body = api.do(http.MethodPost, "/api/auth/setup", map[string]string{"username": "Manager", "password": "correct horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "manager", body["username"])
	assert.Equal(t, gate.StateReady, gateState())

	resp, _ = api.do(http.MethodPost, "/api/auth/setup", map[string]string{"username": "intruder", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, gate.StateNeedsLogin, gateState())

	resp, body = api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "manager", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.TypeInvalidCredentials, body["type"])

	resp, _ = api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "manager", "password": "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(http.MethodGet, "/api/auth/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isAuthenticated"])
	assert.Equal(t, "manager", body["username"])

	assert.Equal(t, []string{"setup", "logout", "login"}, api.notifier.Reasons())
}

func TestAuthAPI_Lockout(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)
	key := api.issue("Femi")
	resp, _ := api.do(http.MethodPost, "/api/license/validate", map[string]string{"license_key": key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(http.MethodPost, "/api/auth/setup", map[string]string{"username": "manager", "password": "correct horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp, _ = api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "manager", "password": "nope nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body := api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "manager", "password": "nope nope"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, apperrors.TypeAccountLocked, body["type"])
	assert.Contains(t, body, "retry_after")

	resp, _ = api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "manager", "password": "correct horse"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "locked even with the right password")
}

func TestClientLogHandler(t *testing.T) {
	api := newTestAPI(t, testAdminSecret)

	resp, _ := api.do(http.MethodPost, "/api/logs", map[string]any{"level": "warn", "message": "activation screen error", "screen": "activation"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/logs", map[string]any{"level": "loud", "message": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/logs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
