package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hostelpro/internal/auth"
)

func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count admin users: %w", err)
	}
	return n, nil
}

func (s *Store) CreateFirstAccount(ctx context.Context, acc auth.Account) (auth.Account, error) {
	res, err := s.db.ExecContext(ctx, firstAccountInsert(s.dialect),
		acc.Username, acc.PasswordHash, formatTime(acc.CreatedAt))
	if isDuplicate(err) {
		return auth.Account{}, auth.ErrAdminExists
	}
	if err != nil {
		return auth.Account{}, fmt.Errorf("failed to insert admin user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return auth.Account{}, fmt.Errorf("failed to insert admin user: %w", err)
	}
	if n == 0 {
		return auth.Account{}, auth.ErrAdminExists
	}

	id, err := res.LastInsertId()
	if err != nil {
		return auth.Account{}, fmt.Errorf("failed to read admin user id: %w", err)
	}
	acc.ID = id
	acc.FailedAttempts = 0
	acc.LockedUntil = nil
	acc.LastLogin = nil
	return acc, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (auth.Account, error) {
	var (
		acc                 auth.Account
		created             string
		lastLogin, lockedTo sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login, failed_login_attempts, locked_until
		FROM admin_users WHERE username = ?`, username,
	).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &created, &lastLogin, &acc.FailedAttempts, &lockedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	if err != nil {
		return auth.Account{}, fmt.Errorf("failed to load admin user: %w", err)
	}

	if acc.CreatedAt, err = parseTime(created); err != nil {
		return auth.Account{}, err
	}
	if acc.LastLogin, err = parseNullTime(lastLogin); err != nil {
		return auth.Account{}, err
	}
	if acc.LockedUntil, err = parseNullTime(lockedTo); err != nil {
		return auth.Account{}, err
	}
	return acc, nil
}

func (s *Store) UpdateLoginState(ctx context.Context, id int64, state auth.LoginState) error {
	query := `UPDATE admin_users SET failed_login_attempts = ?, locked_until = ? WHERE id = ?`
	args := []any{state.FailedAttempts, nullTime(state.LockedUntil), id}
	if state.LastLogin != nil {
		query = `UPDATE admin_users SET failed_login_attempts = ?, locked_until = ?, last_login = ? WHERE id = ?`
		args = []any{state.FailedAttempts, nullTime(state.LockedUntil), formatTime(*state.LastLogin), id}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update login state: %w", err)
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM admin_users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrAccountNotFound
	}
	return err
}
