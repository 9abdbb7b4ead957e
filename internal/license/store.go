package license

import (
	"context"
	"sort"
	"sync"
)

// Store persists license records.
//
// Implementations must make Bind a single conditional write: it succeeds only
// while the record is unbound and pending, and returns ErrAlreadyBound otherwise.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	// Create returns ErrKeyCollision if the key is taken
	Create(ctx context.Context, rec Record) error
	Bind(ctx context.Context, key string, b Binding) error
	// ClearBinding drops hash, salt and activation time and sets status
	ClearBinding(ctx context.Context, key string, status Status) error
	UpdateStatus(ctx context.Context, key string, status Status) error
	// List returns records ordered by issue date. An empty status lists all.
	List(ctx context.Context, status Status) ([]Record, error)
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.LicenseKey]; ok {
		return ErrKeyCollision
	}
	s.records[rec.LicenseKey] = rec
	return nil
}

func (s *MemoryStore) Bind(_ context.Context, key string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Bound() || rec.Status != StatusPending {
		return ErrAlreadyBound
	}

	activatedAt := b.ActivatedAt
	rec.MachineIDHash = b.MachineIDHash
	rec.MachineIDSalt = b.MachineIDSalt
	rec.ActivatedAt = &activatedAt
	rec.Status = StatusActive
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) ClearBinding(_ context.Context, key string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.MachineIDHash = ""
	rec.MachineIDSalt = ""
	rec.ActivatedAt = nil
	rec.Status = status
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, key string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context, status Status) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].LicenseKey < out[j].LicenseKey
		}
		return out[i].IssueDate.Before(out[j].IssueDate)
	})
	return out, nil
}
