package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostelpro/internal/auth"
)

// AdminAccount returns an account ready for CreateFirstAccount
func AdminAccount(username string) auth.Account {
	return auth.Account{
		Username:     username,
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuuJQ0m3g6lq3cTQ3b8pQw0ZV7u6m5xW2e",
		CreatedAt:    FixtureNow,
	}
}

// RunAccountStoreSuite exercises the auth.AccountStore contract against a
// fresh store returned by newStore for every subtest.
func RunAccountStoreSuite(t *testing.T, newStore func(t *testing.T) auth.AccountStore) {
	ctx := context.Background()

	t.Run("first account", func(t *testing.T) {
		s := newStore(t)
		n, err := s.CountAccounts(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		acc, err := s.CreateFirstAccount(ctx, AdminAccount("manager"))
		require.NoError(t, err)
		assert.NotZero(t, acc.ID)

		n, err = s.CountAccounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetAccountByUsername(ctx, "manager")
		require.NoError(t, err)
		assert.Equal(t, acc.ID, got.ID)
		assert.Equal(t, acc.PasswordHash, got.PasswordHash)
		assert.True(t, FixtureNow.Equal(got.CreatedAt))
		assert.Zero(t, got.FailedAttempts)
		assert.Nil(t, got.LockedUntil)
		assert.Nil(t, got.LastLogin)
	})

	t.Run("second account refused", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateFirstAccount(ctx, AdminAccount("manager"))
		require.NoError(t, err)

		_, err = s.CreateFirstAccount(ctx, AdminAccount("other"))
		assert.ErrorIs(t, err, auth.ErrAdminExists)
		_, err = s.CreateFirstAccount(ctx, AdminAccount("manager"))
		assert.ErrorIs(t, err, auth.ErrAdminExists)
	})

	t.Run("concurrent setup has one winner", func(t *testing.T) {
		s := newStore(t)
		const workers = 6
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CreateFirstAccount(ctx, AdminAccount("admin"+string(rune('a'+i))))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, auth.ErrAdminExists)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("unknown username", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAccountByUsername(ctx, "ghost")
		assert.ErrorIs(t, err, auth.ErrAccountNotFound)
	})

	t.Run("login state", func(t *testing.T) {
		s := newStore(t)
		acc, err := s.CreateFirstAccount(ctx, AdminAccount("manager"))
		require.NoError(t, err)

		locked := FixtureNow.Add(5 * time.Minute)
		require.NoError(t, s.UpdateLoginState(ctx, acc.ID, auth.LoginState{FailedAttempts: 0, LockedUntil: &locked}))

		got, err := s.GetAccountByUsername(ctx, "manager")
		require.NoError(t, err)
		require.NotNil(t, got.LockedUntil)
		assert.True(t, locked.Equal(*got.LockedUntil))
		assert.True(t, got.LockedAt(FixtureNow))

		login := FixtureNow.Add(10 * time.Minute)
		require.NoError(t, s.UpdateLoginState(ctx, acc.ID, auth.LoginState{FailedAttempts: 2}))
		require.NoError(t, s.UpdateLoginState(ctx, acc.ID, auth.LoginState{LastLogin: &login}))

		got, err = s.GetAccountByUsername(ctx, "manager")
		require.NoError(t, err)
		assert.Zero(t, got.FailedAttempts)
		assert.Nil(t, got.LockedUntil)
		require.NotNil(t, got.LastLogin)
		assert.True(t, login.Equal(*got.LastLogin))

		assert.ErrorIs(t, s.UpdateLoginState(ctx, acc.ID+100, auth.LoginState{}), auth.ErrAccountNotFound)
	})
}
