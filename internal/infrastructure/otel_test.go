package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/config"
)

func TestInitializeOTel_MetricsOnly(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    "hostelpro-test",
		ServiceVersion: "test",
		Environment:    "test",
		EnableMetrics:  true,
	}, logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	assert.Nil(t, providers.TracerProvider)
	require.NotNil(t, providers.MeterProvider)
	require.NotNil(t, providers.PrometheusHTTP)

	metrics, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.RequestsTotal.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestInitializeOTel_Disabled(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	providers, err := InitializeOTel(&OTelConfig{ServiceName: "hostelpro-test"}, logger)
	require.NoError(t, err)

	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestNewOTelConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverBolt
	cfg.Telemetry.Environment = ""
	cfg.Telemetry.SampleRatio = 0.5

	oc := NewOTelConfig(cfg)
	assert.Equal(t, config.ServiceName, oc.ServiceName)
	assert.Equal(t, config.AppVersion, oc.ServiceVersion)
	assert.Equal(t, "production", oc.Environment)
	assert.Equal(t, config.DriverBolt, oc.StorageDriver)
	assert.Equal(t, 0.5, oc.SampleRatio)
	assert.True(t, oc.EnableMetrics)
}
