package performance

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/config"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
	"hostelpro/internal/shared/testutil"
	"hostelpro/internal/store"
	"hostelpro/internal/store/sqlstore"
)

var backends = []string{config.DriverMemory, config.DriverSQLite}

func openBackend(tb testing.TB, driver string) store.Backend {
	tb.Helper()
	switch driver {
	case config.DriverSQLite:
		s, err := sqlstore.Open(context.Background(), config.DriverSQLite,
			filepath.Join(tb.TempDir(), "bench.db"), testutil.DiscardLogger())
		require.NoError(tb, err)
		tb.Cleanup(func() { s.Close() })
		return s
	default:
		return store.NewMemory()
	}
}

func newEngine(tb testing.TB, driver, identity string) *license.Engine {
	tb.Helper()
	return license.NewEngine(openBackend(tb, driver), machineid.Static(identity),
		license.WithLogger(testutil.DiscardLogger()))
}

func issue(tb testing.TB, e *license.Engine) license.Record {
	tb.Helper()
	rec, err := e.Issue(context.Background(), license.IssueRequest{
		CustomerName: "Amina Yusuf",
		HostelName:   "Harbour View Hostel",
	})
	require.NoError(tb, err)
	return rec
}

// BenchmarkValidate_AlreadyValid measures the common path of a bound license
// revalidated on every startup
func BenchmarkValidate_AlreadyValid(b *testing.B) {
	for _, driver := range backends {
		b.Run(driver, func(b *testing.B) {
			e := newEngine(b, driver, "front-desk-pc")
			rec := issue(b, e)
			ctx := context.Background()
			_, err := e.Validate(ctx, rec.LicenseKey, "")
			require.NoError(b, err)

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, err := e.Validate(ctx, rec.LicenseKey, "")
				if err != nil || v.Reason != license.ReasonAlreadyValid {
					b.Fatalf("validation failed at iteration %d: %v %s", i, err, v.Reason)
				}
			}
		})
	}
}

// BenchmarkValidate_FirstActivation measures binding a fresh pending license
func BenchmarkValidate_FirstActivation(b *testing.B) {
	for _, driver := range backends {
		b.Run(driver, func(b *testing.B) {
			e := newEngine(b, driver, "front-desk-pc")
			ctx := context.Background()
			keys := make([]string, b.N)
			for i := range keys {
				keys[i] = issue(b, e).LicenseKey
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				v, err := e.Validate(ctx, keys[i], "")
				if err != nil || v.Reason != license.ReasonActivated {
					b.Fatalf("activation failed at iteration %d: %v %s", i, err, v.Reason)
				}
			}
		})
	}
}

func BenchmarkIssue(b *testing.B) {
	for _, driver := range backends {
		b.Run(driver, func(b *testing.B) {
			e := newEngine(b, driver, "front-desk-pc")
			ctx := context.Background()
			req := license.IssueRequest{CustomerName: "Amina Yusuf", HostelName: "Harbour View Hostel"}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := e.IssueWithRetry(ctx, req, 3); err != nil {
					b.Fatalf("issue failed at iteration %d: %v", i, err)
				}
			}
		})
	}
}

func BenchmarkHashMachine(b *testing.B) {
	salt, err := license.NewSalt()
	require.NoError(b, err)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = license.HashMachine("front-desk-pc", salt)
	}
}

func BenchmarkEncryptedCache_WriteRead(b *testing.B) {
	cache := license.NewEncryptedCache(filepath.Join(b.TempDir(), "license.cache"),
		license.WithCacheIterations(config.MinKDFIterations),
		license.WithCacheLogger(testutil.DiscardLogger()))
	ctx := context.Background()
	entry := license.CacheEntry{
		LicenseKey:    "HOSTELPRO-1A2B3C4D-5E6F7A8B-9C0D1E2F-3A4B5C6D",
		HostelName:    "Harbour View Hostel",
		MachineIDHash: "abc123",
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := cache.Write(ctx, entry, "front-desk-pc"); err != nil {
			b.Fatalf("write failed at iteration %d: %v", i, err)
		}
		if _, ok := cache.Read(ctx, "front-desk-pc"); !ok {
			b.Fatalf("read failed at iteration %d", i)
		}
	}
}

// TestConcurrentValidationThroughput checks that many workers validating
// distinct licenses finish promptly and each binds exactly once
func TestConcurrentValidationThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const (
		licenses = 50
		workers  = 10
	)

	for _, driver := range backends {
		t.Run(driver, func(t *testing.T) {
			e := newEngine(t, driver, "front-desk-pc")
			ctx := context.Background()
			keys := make(chan string, licenses)
			for i := 0; i < licenses; i++ {
				keys <- issue(t, e).LicenseKey
			}
			close(keys)

			var (
				wg        sync.WaitGroup
				activated atomic.Int64
				failed    atomic.Int64
			)
			start := time.Now()
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					identity := fmt.Sprintf("pc-%d", w)
					for key := range keys {
						v, err := e.Validate(ctx, key, identity)
						if err != nil || !v.Valid {
							failed.Add(1)
							continue
						}
						activated.Add(1)
					}
				}(w)
			}
			wg.Wait()
			elapsed := time.Since(start)

			assert.Zero(t, failed.Load())
			assert.EqualValues(t, licenses, activated.Load())
			assert.Less(t, elapsed, 30*time.Second)
			t.Logf("%s: %d activations in %v", driver, licenses, elapsed)
		})
	}
}
