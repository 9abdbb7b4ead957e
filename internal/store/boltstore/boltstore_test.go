package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/auth"
	"hostelpro/internal/license"
	"hostelpro/internal/shared/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "hostelpro.bolt"), testutil.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltLicenseStore(t *testing.T) {
	testutil.RunLicenseStoreSuite(t, func(t *testing.T) license.Store {
		return openTestStore(t)
	})
}

func TestBoltAccountStore(t *testing.T) {
	testutil.RunAccountStoreSuite(t, func(t *testing.T) auth.AccountStore {
		return openTestStore(t)
	})
}

func TestBolt_BindingSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hostelpro.bolt")

	s, err := Open(path, nil)
	require.NoError(t, err)
	rec := testutil.BoundRecord("HOSTELPRO-0F0E0D0C-0B0A0908-07060504-03020100", "machine-b")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.Get(ctx, rec.LicenseKey)
	require.NoError(t, err)
	assert.True(t, license.MatchesMachine(got, "machine-b"))
}
