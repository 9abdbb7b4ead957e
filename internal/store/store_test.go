package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/config"
	"hostelpro/internal/license"
	"hostelpro/internal/shared/testutil"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dsn    string
	}{
		{name: "sqlite", driver: config.DriverSQLite, dsn: "data/hostelpro.db"},
		{name: "bolt", driver: config.DriverBolt, dsn: "data/hostelpro.bolt"},
		{name: "memory", driver: config.DriverMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.Storage.Driver = tt.driver
			cfg.Storage.DSN = tt.dsn
			paths := cfg.ResolvePathsFrom(t.TempDir())
			require.NoError(t, paths.EnsureDirectories())

			backend, err := Open(ctx, cfg, paths, testutil.DiscardLogger())
			require.NoError(t, err)
			defer backend.Close()

			require.NoError(t, backend.Ping(ctx))
			rec := testutil.PendingRecord("HOSTELPRO-12345678-12345678-12345678-12345678")
			require.NoError(t, backend.Create(ctx, rec))
			got, err := backend.Get(ctx, rec.LicenseKey)
			require.NoError(t, err)
			assert.Equal(t, license.StatusPending, got.Status)

			if tt.dsn != "" {
				assert.FileExists(t, filepath.Clean(paths.Database))
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "oracle"
	_, err := Open(context.Background(), cfg, cfg.ResolvePathsFrom(t.TempDir()), nil)
	assert.Error(t, err)
}
