package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/license"
	"hostelpro/internal/shared/testutil"
)

type activeLicenseMock struct {
	mock.Mock
}

func (m *activeLicenseMock) Current(ctx context.Context) (license.Record, error) {
	args := m.Called(ctx)
	return args.Get(0).(license.Record), args.Error(1)
}

func newGuard(src ActiveLicense, opts ...GuardOption) *LicenseGuard {
	errs := apperrors.NewErrorHandler(testutil.DiscardLogger(), false)
	return NewLicenseGuard(src, errs, testutil.DiscardLogger(), opts...)
}

func serve(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec.Code
}

func TestLicenseGuard_BlocksWithoutLicense(t *testing.T) {
	src := &activeLicenseMock{}
	src.On("Current", mock.Anything).Return(license.Record{}, license.ErrNoActiveLicense)

	h := newGuard(src).Handler(okHandler)
	assert.Equal(t, http.StatusNotFound, serve(h, "/api/auth/login"))
	src.AssertNumberOfCalls(t, "Current", 1)
}

func TestLicenseGuard_CachesActive(t *testing.T) {
	src := &activeLicenseMock{}
	src.On("Current", mock.Anything).Return(license.Record{LicenseKey: "HOSTELPRO-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD"}, nil)

	g := newGuard(src, WithGuardTTL(time.Minute))
	h := g.Handler(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, "/api/auth/login"))
	assert.Equal(t, http.StatusOK, serve(h, "/api/auth/login"))
	src.AssertNumberOfCalls(t, "Current", 1)

	g.Publish(context.Background(), license.Event{Type: license.EventDeactivated})
	assert.Equal(t, http.StatusOK, serve(h, "/api/auth/login"))
	src.AssertNumberOfCalls(t, "Current", 2)
}

func TestLicenseGuard_ExcludedPrefix(t *testing.T) {
	src := &activeLicenseMock{}
	h := newGuard(src, WithExcludedPrefix("/api/license")).Handler(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, "/api/license/validate"))
	src.AssertNotCalled(t, "Current", mock.Anything)
}

func TestLicenseGuard_StoreFailure(t *testing.T) {
	src := &activeLicenseMock{}
	src.On("Current", mock.Anything).Return(license.Record{}, assert.AnError)

	h := newGuard(src).Handler(okHandler)
	assert.Equal(t, http.StatusInternalServerError, serve(h, "/api/auth/setup"))
}
