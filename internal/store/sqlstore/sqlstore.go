// Package sqlstore persists license records and admin accounts in SQLite
// (modernc.org/sqlite, no cgo) or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"hostelpro/internal/license"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const licenseColumns = `license_key, machine_id_hash, machine_id_salt, customer_name, hostel_name,
	issue_date, expiry_date, status, notes, activated_at`

// Store implements license.Store and auth.AccountStore on database/sql
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// Open connects to the database and creates the schema if needed
func Open(ctx context.Context, dialect, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dialect != DialectSQLite && dialect != DialectMySQL {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// one writer at a time keeps conditional updates free of SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: dialect, logger: logger.With("component", "sqlstore")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s.logger.InfoContext(ctx, "Database initialized", slog.String("dialect", dialect))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.dialect == DialectMySQL {
		stmts = mysqlSchema
	} else {
		if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			return err
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (license.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return license.Record{}, license.ErrNotFound
	}
	if err != nil {
		return license.Record{}, fmt.Errorf("failed to load license: %w", err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec license.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (`+licenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LicenseKey,
		nullString(rec.MachineIDHash),
		nullString(rec.MachineIDSalt),
		rec.CustomerName,
		rec.HostelName,
		formatTime(rec.IssueDate),
		nullTime(rec.ExpiryDate),
		string(rec.Status),
		nullString(rec.Notes),
		nullTime(rec.ActivatedAt),
	)
	if isDuplicate(err) {
		return license.ErrKeyCollision
	}
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}
	return nil
}

func (s *Store) Bind(ctx context.Context, key string, b license.Binding) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses
		SET machine_id_hash = ?, machine_id_salt = ?, activated_at = ?, status = ?
		WHERE license_key = ?
		AND (machine_id_hash IS NULL OR machine_id_hash = '')
		AND status = ?`,
		b.MachineIDHash, b.MachineIDSalt, formatTime(b.ActivatedAt), string(license.StatusActive),
		key, string(license.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to bind license: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to bind license: %w", err)
	}
	if n == 1 {
		return nil
	}

	if err := s.exists(ctx, key); err != nil {
		return err
	}
	return license.ErrAlreadyBound
}

func (s *Store) ClearBinding(ctx context.Context, key string, status license.Status) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE licenses
		SET machine_id_hash = NULL, machine_id_salt = NULL, activated_at = NULL, status = ?
		WHERE license_key = ?`,
		string(status), key,
	); err != nil {
		return fmt.Errorf("failed to clear binding: %w", err)
	}
	// MySQL reports changed rather than matched rows, so check existence explicitly
	return s.exists(ctx, key)
}

func (s *Store) UpdateStatus(ctx context.Context, key string, status license.Status) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ? WHERE license_key = ?`, string(status), key,
	); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return s.exists(ctx, key)
}

func (s *Store) List(ctx context.Context, status license.Status) ([]license.Record, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY issue_date ASC, license_key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	out := make([]license.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, key string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM licenses WHERE license_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return license.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up license: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (license.Record, error) {
	var (
		rec               license.Record
		hash, salt, notes sql.NullString
		issue, status     string
		expiry, activated sql.NullString
	)
	if err := row.Scan(&rec.LicenseKey, &hash, &salt, &rec.CustomerName, &rec.HostelName,
		&issue, &expiry, &status, &notes, &activated); err != nil {
		return license.Record{}, err
	}

	issueDate, err := parseTime(issue)
	if err != nil {
		return license.Record{}, err
	}
	rec.IssueDate = issueDate
	rec.MachineIDHash = hash.String
	rec.MachineIDSalt = salt.String
	rec.Notes = notes.String
	rec.Status = license.Status(status)
	if rec.ExpiryDate, err = parseNullTime(expiry); err != nil {
		return license.Record{}, err
	}
	if rec.ActivatedAt, err = parseNullTime(activated); err != nil {
		return license.Record{}, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by other tools
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
