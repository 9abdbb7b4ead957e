package license

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *EncryptedCache {
	t.Helper()
	return NewEncryptedCache(filepath.Join(t.TempDir(), ".license", "license.json.enc"), WithCacheIterations(1000))
}

func sampleEntry() CacheEntry {
	activated := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	expiry := activated.Add(365 * 24 * time.Hour)
	return CacheEntry{
		LicenseKey:    "HOSTELPRO-1A2B3C4D-5E6F7A8B-9C0D1E2F-3A4B5C6D",
		HostelName:    "Harbour View Hostel",
		CustomerName:  "Amina Yusuf",
		ActivatedAt:   &activated,
		ExpiryDate:    &expiry,
		MachineIDHash: "abc123",
	}
}

// ============================================================================
// Round trip
// ============================================================================

func TestEncryptedCache_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
	assert.True(t, c.Exists())

	got, ok := c.Read(ctx, "MACHINEA")
	require.True(t, ok, "normalized identity derives the same key")
	assert.Equal(t, sampleEntry().LicenseKey, got.LicenseKey)
	assert.Equal(t, sampleEntry().HostelName, got.HostelName)
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, sampleEntry().ExpiryDate.Equal(*got.ExpiryDate))

	info, err := os.Stat(c.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptedCache_FileFormat(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Write(context.Background(), sampleEntry(), "machine-a"))

	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.EqualValues(t, 1, payload["version"])
	assert.Len(t, payload["nonce"], 24)
	assert.Len(t, payload["auth_tag"], 32)
	assert.NotEmpty(t, payload["ciphertext"])
	assert.NotContains(t, string(data), "Harbour View Hostel", "plaintext must not leak")
}

func TestEncryptedCache_FreshNoncePerWrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
	first, err := os.ReadFile(c.Path())
	require.NoError(t, err)

	require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
	second, err := os.ReadFile(c.Path())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

// ============================================================================
// Failure modes read as absent
// ============================================================================

func TestEncryptedCache_ReadFailuresAreAbsent(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		c := newTestCache(t)
		_, ok := c.Read(ctx, "machine-a")
		assert.False(t, ok)
	})

	t.Run("different machine", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
		_, ok := c.Read(ctx, "machine-b")
		assert.False(t, ok)
	})

	t.Run("file copied to another host", func(t *testing.T) {
		src := newTestCache(t)
		require.NoError(t, src.Write(ctx, sampleEntry(), "machine-a"))
		data, err := os.ReadFile(src.Path())
		require.NoError(t, err)

		dst := newTestCache(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(dst.Path()), 0o700))
		require.NoError(t, os.WriteFile(dst.Path(), data, 0o600))

		_, ok := dst.Read(ctx, "machine-b")
		assert.False(t, ok)
		_, ok = dst.Read(ctx, "machine-a")
		assert.True(t, ok)
	})

	tamper := func(t *testing.T, mutate func(p *cachePayload)) *EncryptedCache {
		c := newTestCache(t)
		require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
		data, err := os.ReadFile(c.Path())
		require.NoError(t, err)
		var p cachePayload
		require.NoError(t, json.Unmarshal(data, &p))
		mutate(&p)
		data, err = json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(c.Path(), data, 0o600))
		return c
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		c := tamper(t, func(p *cachePayload) {
			b := []byte(p.Ciphertext)
			if b[0] == '0' {
				b[0] = '1'
			} else {
				b[0] = '0'
			}
			p.Ciphertext = string(b)
		})
		_, ok := c.Read(ctx, "machine-a")
		assert.False(t, ok)
	})

	t.Run("tampered tag", func(t *testing.T) {
		c := tamper(t, func(p *cachePayload) { p.AuthTag = "00000000000000000000000000000000" })
		_, ok := c.Read(ctx, "machine-a")
		assert.False(t, ok)
	})

	t.Run("unknown version", func(t *testing.T) {
		c := tamper(t, func(p *cachePayload) { p.Version = 2 })
		_, ok := c.Read(ctx, "machine-a")
		assert.False(t, ok)
	})

	t.Run("not json", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(c.Path()), 0o700))
		require.NoError(t, os.WriteFile(c.Path(), []byte("garbage"), 0o600))
		_, ok := c.Read(ctx, "machine-a")
		assert.False(t, ok)
	})
}

func TestEncryptedCache_ClearIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Clear(ctx))
	require.NoError(t, c.Write(ctx, sampleEntry(), "machine-a"))
	require.NoError(t, c.Clear(ctx))
	require.NoError(t, c.Clear(ctx))
	assert.False(t, c.Exists())

	entries, err := os.ReadDir(filepath.Dir(c.Path()))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}
