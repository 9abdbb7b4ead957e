// Package boltstore persists license records and admin accounts in a single
// bbolt file. Every write runs in one bbolt update transaction, which makes the
// conditional bind and first-account writes atomic.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"hostelpro/internal/auth"
	"hostelpro/internal/license"
)

var (
	bucketLicenses  = []byte("licenses")
	bucketAccounts  = []byte("admin_users")
	bucketUsernames = []byte("admin_usernames")
)

// Store implements license.Store and auth.AccountStore on bbolt
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// storedRecord is the on-disk form of license.Record, which hides the binding
// from JSON
type storedRecord struct {
	LicenseKey    string         `json:"license_key"`
	MachineIDHash string         `json:"machine_id_hash,omitempty"`
	MachineIDSalt string         `json:"machine_id_salt,omitempty"`
	CustomerName  string         `json:"customer_name"`
	HostelName    string         `json:"hostel_name"`
	IssueDate     time.Time      `json:"issue_date"`
	ExpiryDate    *time.Time     `json:"expiry_date,omitempty"`
	Status        license.Status `json:"status"`
	Notes         string         `json:"notes,omitempty"`
	ActivatedAt   *time.Time     `json:"activated_at,omitempty"`
}

type storedAccount struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"password_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
	FailedAttempts int        `json:"failed_login_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// Open opens or creates the bbolt file at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLicenses, bucketAccounts, bucketUsernames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "boltstore")}
	s.logger.Info("Bolt database opened", slog.String("path", path))
	return s, nil
}

// Close closes the database file
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is still open
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

func (s *Store) Get(_ context.Context, key string) (license.Record, error) {
	var rec license.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, key)
		return err
	})
	return rec, err
}

func (s *Store) Create(_ context.Context, rec license.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketLicenses).Get([]byte(rec.LicenseKey)) != nil {
			return license.ErrKeyCollision
		}
		return putRecord(tx, rec)
	})
}

func (s *Store) Bind(_ context.Context, key string, b license.Binding) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, key)
		if err != nil {
			return err
		}
		if rec.Bound() || rec.Status != license.StatusPending {
			return license.ErrAlreadyBound
		}
		activated := b.ActivatedAt.UTC()
		rec.MachineIDHash = b.MachineIDHash
		rec.MachineIDSalt = b.MachineIDSalt
		rec.ActivatedAt = &activated
		rec.Status = license.StatusActive
		return putRecord(tx, rec)
	})
}

func (s *Store) ClearBinding(_ context.Context, key string, status license.Status) error {
	return s.update(key, func(rec *license.Record) {
		rec.MachineIDHash = ""
		rec.MachineIDSalt = ""
		rec.ActivatedAt = nil
		rec.Status = status
	})
}

func (s *Store) UpdateStatus(_ context.Context, key string, status license.Status) error {
	return s.update(key, func(rec *license.Record) {
		rec.Status = status
	})
}

func (s *Store) update(key string, mutate func(rec *license.Record)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, key)
		if err != nil {
			return err
		}
		mutate(&rec)
		return putRecord(tx, rec)
	})
}

func (s *Store) List(_ context.Context, status license.Status) ([]license.Record, error) {
	out := make([]license.Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLicenses).ForEach(func(_, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return err
			}
			if status == "" || sr.Status == status {
				out = append(out, sr.record())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].LicenseKey < out[j].LicenseKey
		}
		return out[i].IssueDate.Before(out[j].IssueDate)
	})
	return out, nil
}

func (s *Store) CountAccounts(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *Store) CreateFirstAccount(_ context.Context, acc auth.Account) (auth.Account, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		if k, _ := accounts.Cursor().First(); k != nil {
			return auth.ErrAdminExists
		}
		seq, err := accounts.NextSequence()
		if err != nil {
			return err
		}
		acc.ID = int64(seq)
		acc.FailedAttempts = 0
		acc.LockedUntil = nil
		acc.LastLogin = nil
		if err := putAccount(tx, acc); err != nil {
			return err
		}
		return tx.Bucket(bucketUsernames).Put([]byte(acc.Username), idKey(acc.ID))
	})
	if err != nil {
		return auth.Account{}, err
	}
	return acc, nil
}

func (s *Store) GetAccountByUsername(_ context.Context, username string) (auth.Account, error) {
	var acc auth.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return auth.ErrAccountNotFound
		}
		var err error
		acc, err = getAccount(tx, id)
		return err
	})
	return acc, err
}

func (s *Store) UpdateLoginState(_ context.Context, id int64, state auth.LoginState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		acc, err := getAccount(tx, idKey(id))
		if err != nil {
			return err
		}
		acc.FailedAttempts = state.FailedAttempts
		acc.LockedUntil = state.LockedUntil
		if state.LastLogin != nil {
			acc.LastLogin = state.LastLogin
		}
		return putAccount(tx, acc)
	})
}

func getRecord(tx *bbolt.Tx, key string) (license.Record, error) {
	v := tx.Bucket(bucketLicenses).Get([]byte(key))
	if v == nil {
		return license.Record{}, license.ErrNotFound
	}
	var sr storedRecord
	if err := json.Unmarshal(v, &sr); err != nil {
		return license.Record{}, fmt.Errorf("corrupt license %s: %w", license.MaskKey(key), err)
	}
	return sr.record(), nil
}

func putRecord(tx *bbolt.Tx, rec license.Record) error {
	buf, err := json.Marshal(storedRecord{
		LicenseKey:    rec.LicenseKey,
		MachineIDHash: rec.MachineIDHash,
		MachineIDSalt: rec.MachineIDSalt,
		CustomerName:  rec.CustomerName,
		HostelName:    rec.HostelName,
		IssueDate:     rec.IssueDate.UTC(),
		ExpiryDate:    rec.ExpiryDate,
		Status:        rec.Status,
		Notes:         rec.Notes,
		ActivatedAt:   rec.ActivatedAt,
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLicenses).Put([]byte(rec.LicenseKey), buf)
}

func (sr storedRecord) record() license.Record {
	return license.Record{
		LicenseKey:    sr.LicenseKey,
		MachineIDHash: sr.MachineIDHash,
		MachineIDSalt: sr.MachineIDSalt,
		CustomerName:  sr.CustomerName,
		HostelName:    sr.HostelName,
		IssueDate:     sr.IssueDate,
		ExpiryDate:    sr.ExpiryDate,
		Status:        sr.Status,
		Notes:         sr.Notes,
		ActivatedAt:   sr.ActivatedAt,
	}
}

func getAccount(tx *bbolt.Tx, id []byte) (auth.Account, error) {
	v := tx.Bucket(bucketAccounts).Get(id)
	if v == nil {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	var sa storedAccount
	if err := json.Unmarshal(v, &sa); err != nil {
		return auth.Account{}, err
	}
	return auth.Account{
		ID:             sa.ID,
		Username:       sa.Username,
		PasswordHash:   sa.PasswordHash,
		FailedAttempts: sa.FailedAttempts,
		LockedUntil:    sa.LockedUntil,
		LastLogin:      sa.LastLogin,
		CreatedAt:      sa.CreatedAt,
	}, nil
}

func putAccount(tx *bbolt.Tx, acc auth.Account) error {
	buf, err := json.Marshal(storedAccount{
		ID:             acc.ID,
		Username:       acc.Username,
		PasswordHash:   acc.PasswordHash,
		CreatedAt:      acc.CreatedAt.UTC(),
		LastLogin:      acc.LastLogin,
		FailedAttempts: acc.FailedAttempts,
		LockedUntil:    acc.LockedUntil,
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAccounts).Put(idKey(acc.ID), buf)
}

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}
