package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/license"
)

// Fixed clock used by fixtures
var FixtureNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// PendingRecord returns an unbound pending record
func PendingRecord(key string) license.Record {
	return license.Record{
		LicenseKey:   key,
		CustomerName: "Amina Yusuf",
		HostelName:   "Harbour View Hostel",
		IssueDate:    FixtureNow.Add(-24 * time.Hour),
		Status:       license.StatusPending,
	}
}

// PendingRecordExpiring returns a pending record with an expiry date
func PendingRecordExpiring(key string, expiry time.Time) license.Record {
	rec := PendingRecord(key)
	rec.ExpiryDate = &expiry
	return rec
}

// BoundRecord returns an active record bound to identity
func BoundRecord(key, identity string) license.Record {
	rec := PendingRecord(key)
	salt := "00112233445566778899aabbccddeeff"
	activated := FixtureNow.Add(-time.Hour)
	rec.MachineIDSalt = salt
	rec.MachineIDHash = license.HashMachine(identity, salt)
	rec.ActivatedAt = &activated
	rec.Status = license.StatusActive
	return rec
}

// RunLicenseStoreSuite exercises the license.Store contract against a fresh
// store returned by newStore for every subtest.
func RunLicenseStoreSuite(t *testing.T, newStore func(t *testing.T) license.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		expiry := FixtureNow.Add(30 * 24 * time.Hour)
		rec := PendingRecordExpiring("HOSTELPRO-00000001-00000002-00000003-00000004", expiry)
		rec.Notes = "annual plan"
		require.NoError(t, s.Create(ctx, rec))

		got, err := s.Get(ctx, rec.LicenseKey)
		require.NoError(t, err)
		assert.Equal(t, rec.LicenseKey, got.LicenseKey)
		assert.Equal(t, rec.CustomerName, got.CustomerName)
		assert.Equal(t, rec.HostelName, got.HostelName)
		assert.Equal(t, "annual plan", got.Notes)
		assert.Equal(t, license.StatusPending, got.Status)
		assert.False(t, got.Bound())
		assert.Nil(t, got.ActivatedAt)
		require.NotNil(t, got.ExpiryDate)
		assert.True(t, expiry.Equal(*got.ExpiryDate))
		assert.True(t, rec.IssueDate.Equal(got.IssueDate))
	})

	t.Run("get unknown key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "HOSTELPRO-DEADBEEF-DEADBEEF-DEADBEEF-DEADBEEF")
		assert.ErrorIs(t, err, license.ErrNotFound)
	})

	t.Run("duplicate key collides", func(t *testing.T) {
		s := newStore(t)
		rec := PendingRecord("HOSTELPRO-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD")
		require.NoError(t, s.Create(ctx, rec))
		assert.ErrorIs(t, s.Create(ctx, rec), license.ErrKeyCollision)
	})

	t.Run("bind is conditional", func(t *testing.T) {
		s := newStore(t)
		key := "HOSTELPRO-11111111-22222222-33333333-44444444"
		require.NoError(t, s.Create(ctx, PendingRecord(key)))

		first := license.Binding{MachineIDHash: "hash-a", MachineIDSalt: "salt-a", ActivatedAt: FixtureNow}
		require.NoError(t, s.Bind(ctx, key, first))

		second := license.Binding{MachineIDHash: "hash-b", MachineIDSalt: "salt-b", ActivatedAt: FixtureNow}
		assert.ErrorIs(t, s.Bind(ctx, key, second), license.ErrAlreadyBound)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "hash-a", got.MachineIDHash)
		assert.Equal(t, "salt-a", got.MachineIDSalt)
		assert.Equal(t, license.StatusActive, got.Status)
		require.NotNil(t, got.ActivatedAt)
		assert.True(t, FixtureNow.Equal(*got.ActivatedAt))
	})

	t.Run("bind unknown key", func(t *testing.T) {
		s := newStore(t)
		err := s.Bind(ctx, "HOSTELPRO-DEADBEEF-DEADBEEF-DEADBEEF-DEADBEEF", license.Binding{MachineIDHash: "h", MachineIDSalt: "s", ActivatedAt: FixtureNow})
		assert.ErrorIs(t, err, license.ErrNotFound)
	})

	t.Run("bind refuses non-pending records", func(t *testing.T) {
		s := newStore(t)
		key := "HOSTELPRO-55555555-66666666-77777777-88888888"
		require.NoError(t, s.Create(ctx, PendingRecord(key)))
		require.NoError(t, s.UpdateStatus(ctx, key, license.StatusRevoked))

		err := s.Bind(ctx, key, license.Binding{MachineIDHash: "h", MachineIDSalt: "s", ActivatedAt: FixtureNow})
		assert.ErrorIs(t, err, license.ErrAlreadyBound)
	})

	t.Run("concurrent binds have one winner", func(t *testing.T) {
		s := newStore(t)
		key := "HOSTELPRO-99999999-AAAAAAAA-BBBBBBBB-CCCCCCCC"
		require.NoError(t, s.Create(ctx, PendingRecord(key)))

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Bind(ctx, key, license.Binding{
					MachineIDHash: string(rune('a' + i)),
					MachineIDSalt: "salt",
					ActivatedAt:   FixtureNow,
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, license.ErrAlreadyBound)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("clear binding", func(t *testing.T) {
		s := newStore(t)
		key := "HOSTELPRO-ABCDEF01-ABCDEF02-ABCDEF03-ABCDEF04"
		require.NoError(t, s.Create(ctx, PendingRecord(key)))
		require.NoError(t, s.Bind(ctx, key, license.Binding{MachineIDHash: "h", MachineIDSalt: "s", ActivatedAt: FixtureNow}))

		require.NoError(t, s.ClearBinding(ctx, key, license.StatusPending))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, got.Bound())
		assert.Empty(t, got.MachineIDSalt)
		assert.Nil(t, got.ActivatedAt)
		assert.Equal(t, license.StatusPending, got.Status)

		assert.ErrorIs(t, s.ClearBinding(ctx, "HOSTELPRO-DEADBEEF-DEADBEEF-DEADBEEF-DEADBEEF", license.StatusPending), license.ErrNotFound)
	})

	t.Run("update status", func(t *testing.T) {
		s := newStore(t)
		key := "HOSTELPRO-0A0A0A0A-0B0B0B0B-0C0C0C0C-0D0D0D0D"
		require.NoError(t, s.Create(ctx, PendingRecord(key)))
		require.NoError(t, s.UpdateStatus(ctx, key, license.StatusExpired))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, license.StatusExpired, got.Status)

		assert.ErrorIs(t, s.UpdateStatus(ctx, "HOSTELPRO-DEADBEEF-DEADBEEF-DEADBEEF-DEADBEEF", license.StatusExpired), license.ErrNotFound)
	})

	t.Run("list filters and orders by issue date", func(t *testing.T) {
		s := newStore(t)
		keys := []string{
			"HOSTELPRO-00000003-00000000-00000000-00000000",
			"HOSTELPRO-00000001-00000000-00000000-00000000",
			"HOSTELPRO-00000002-00000000-00000000-00000000",
		}
		for i, key := range keys {
			rec := PendingRecord(key)
			rec.IssueDate = FixtureNow.Add(time.Duration(len(keys)-i) * time.Hour)
			require.NoError(t, s.Create(ctx, rec))
		}
		require.NoError(t, s.Bind(ctx, keys[1], license.Binding{MachineIDHash: "h", MachineIDSalt: "s", ActivatedAt: FixtureNow}))

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, keys[2], all[0].LicenseKey)
		assert.Equal(t, keys[1], all[1].LicenseKey)
		assert.Equal(t, keys[0], all[2].LicenseKey)

		active, err := s.List(ctx, license.StatusActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, keys[1], active[0].LicenseKey)
		assert.True(t, active[0].Bound())
	})
}
