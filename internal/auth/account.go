package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors returned by the auth service and account stores
var (
	ErrAdminExists        = errors.New("admin account already exists")
	ErrAccountNotFound    = errors.New("admin account not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrNoSession          = errors.New("no valid session")
)

// Account is an administrator of the installation
type Account struct {
	ID             int64
	Username       string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
	LastLogin      *time.Time
	CreatedAt      time.Time
}

// LockedAt reports whether the account is locked at now
func (a Account) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// LoginState is the mutable part of an account touched by login attempts
type LoginState struct {
	FailedAttempts int
	LockedUntil    *time.Time
	LastLogin      *time.Time
}

// AccountStore persists admin accounts.
//
// CreateFirstAccount must be conditional: it fails with ErrAdminExists when
// any account already exists, so concurrent first-run setups cannot both win.
type AccountStore interface {
	CountAccounts(ctx context.Context) (int, error)
	CreateFirstAccount(ctx context.Context, acc Account) (Account, error)
	GetAccountByUsername(ctx context.Context, username string) (Account, error)
	UpdateLoginState(ctx context.Context, id int64, state LoginState) error
}

// NormalizeUsername trims and lowercases a username
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// MemoryAccountStore is a process-local AccountStore
type MemoryAccountStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]Account
}

// NewMemoryAccountStore creates an empty in-memory account store
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[int64]Account)}
}

func (s *MemoryAccountStore) CountAccounts(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts), nil
}

func (s *MemoryAccountStore) CreateFirstAccount(_ context.Context, acc Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.accounts) > 0 {
		return Account{}, ErrAdminExists
	}
	s.nextID++
	acc.ID = s.nextID
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *MemoryAccountStore) GetAccountByUsername(_ context.Context, username string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if acc := s.accounts[id]; acc.Username == username {
			return acc, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *MemoryAccountStore) UpdateLoginState(_ context.Context, id int64, state LoginState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.FailedAttempts = state.FailedAttempts
	acc.LockedUntil = state.LockedUntil
	if state.LastLogin != nil {
		acc.LastLogin = state.LastLogin
	}
	s.accounts[id] = acc
	return nil
}
