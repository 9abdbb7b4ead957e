// Package auth manages the installation's admin account and login sessions.
//
// There is at most one admin account, created during first-run setup.
// Passwords are stored as bcrypt hashes. Repeated failed logins lock the
// account for a while. Sessions are HS256 JWTs carried in an HttpOnly cookie;
// logging out revokes the token's ID.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// Options configures a Service
type Options struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	MinPasswordLength int
	BcryptCost        int
}

// Status is the admin-account and session state seen by a caller
type Status struct {
	HasAdminAccount bool   `json:"hasAdminAccount"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Username        string `json:"username,omitempty"`
}

// Session is a freshly issued login
type Session struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}

// LockedError reports until when an account is locked
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// Service implements setup, login, logout and status
type Service struct {
	store  AccountStore
	tokens *TokenManager
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// compared against when the username is unknown so both paths cost the same
	dummyHash []byte
}

// NewService creates an auth service
func NewService(store AccountStore, tokens *TokenManager, opts Options, logger *slog.Logger) *Service {
	if opts.MaxFailedAttempts < 1 {
		opts.MaxFailedAttempts = 3
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = 5 * time.Minute
	}
	if opts.MinPasswordLength < 1 {
		opts.MinPasswordLength = 8
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}

	dummy, _ := bcrypt.GenerateFromPassword([]byte("hostelpro-timing-guard"), opts.BcryptCost)

	return &Service{
		store:     store,
		tokens:    tokens,
		opts:      opts,
		logger:    logger.With("component", "auth"),
		now:       time.Now,
		dummyHash: dummy,
	}
}

// SetClock replaces time.Now, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.tokens.now = now
}

// Status reports whether an admin exists and whether token is a live session
func (s *Service) Status(ctx context.Context, token string) (Status, error) {
	count, err := s.store.CountAccounts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count accounts: %w", err)
	}

	st := Status{HasAdminAccount: count > 0}
	if !st.HasAdminAccount {
		return st, nil
	}

	if claims, err := s.tokens.Parse(token); err == nil {
		st.IsAuthenticated = true
		st.Username = claims.Username
	}
	return st, nil
}

// Setup creates the first admin account and logs it in
func (s *Service) Setup(ctx context.Context, username, password string) (Session, error) {
	username = NormalizeUsername(username)
	if err := s.checkCredentialsShape(username, password); err != nil {
		return Session{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("failed to hash password: %w", err)
	}

	acc, err := s.store.CreateFirstAccount(ctx, Account{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrAdminExists) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("failed to create admin account: %w", err)
	}

	s.logger.InfoContext(ctx, "Admin account created", slog.String("username", acc.Username))
	return s.startSession(ctx, acc)
}

// Login verifies credentials, applying the lockout policy
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = NormalizeUsername(username)
	now := s.now()

	acc, err := s.store.GetAccountByUsername(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load account: %w", err)
	}

	if acc.LockedAt(now) {
		return Session{}, &LockedError{Until: *acc.LockedUntil}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return Session{}, s.recordFailure(ctx, acc, now)
	}

	lastLogin := now.UTC()
	if err := s.store.UpdateLoginState(ctx, acc.ID, LoginState{LastLogin: &lastLogin}); err != nil {
		return Session{}, fmt.Errorf("failed to reset login state: %w", err)
	}

	s.logger.InfoContext(ctx, "Admin logged in", slog.String("username", acc.Username))
	return s.startSession(ctx, acc)
}

func (s *Service) recordFailure(ctx context.Context, acc Account, now time.Time) error {
	attempts := acc.FailedAttempts
	if acc.LockedUntil != nil {
		// a previous lock has run out
		attempts = 0
	}
	attempts++

	state := LoginState{FailedAttempts: attempts}
	var result error = ErrInvalidCredentials
	if attempts >= s.opts.MaxFailedAttempts {
		until := now.Add(s.opts.LockoutDuration).UTC()
		state = LoginState{FailedAttempts: 0, LockedUntil: &until}
		result = &LockedError{Until: until}
		s.logger.WarnContext(ctx, "Admin account locked",
			slog.String("username", acc.Username),
			slog.Time("locked_until", until))
	}

	if err := s.store.UpdateLoginState(ctx, acc.ID, state); err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}
	return result
}

// Logout revokes the session carried by token. Invalid tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.tokens.Revoke(claims); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Admin logged out", slog.String("username", claims.Username))
	return nil
}

// Authenticate returns the claims of a live session
func (s *Service) Authenticate(_ context.Context, token string) (*Claims, error) {
	return s.tokens.Parse(token)
}

// SessionTTL returns how long issued sessions live
func (s *Service) SessionTTL() time.Duration {
	return s.tokens.TTL()
}

func (s *Service) startSession(_ context.Context, acc Account) (Session, error) {
	token, claims, err := s.tokens.Issue(acc)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, Username: acc.Username, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (s *Service) checkCredentialsShape(username, password string) error {
	if n := utf8.RuneCountInString(username); n < 3 || n > 64 {
		return fmt.Errorf("%w: must be 3 to 64 characters", ErrInvalidUsername)
	}
	if utf8.RuneCountInString(password) < s.opts.MinPasswordLength {
		return fmt.Errorf("%w: at least %d characters", ErrWeakPassword, s.opts.MinPasswordLength)
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("%w: at most 72 bytes", ErrWeakPassword)
	}
	return nil
}
