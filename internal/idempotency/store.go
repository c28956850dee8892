package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the state of one X-Idempotency-Key. A record with a zero
// StatusCode is a reservation held by a write that has not answered yet.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r Record) InFlight() bool {
	return r.StatusCode == 0
}

// Store persists idempotency records.
//
// Reserve claims key for a new write. It reports true when the claim
// succeeded; otherwise it returns the live record that holds the key, either
// a finished response or another write's reservation. Expired records never
// block a claim.
//
// Complete replaces the reservation with the final response. Release drops a
// reservation so the key can be retried; it leaves finished records alone.
type Store interface {
	Reserve(ctx context.Context, key string, claim Record) (*Record, bool, error)
	Complete(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key string) error
}

// records is the shared map logic behind the in-process stores. Callers hold
// the owning store's lock.
type records map[string]Record

func (m records) reserve(key string, claim Record) (*Record, bool) {
	if held, ok := m[key]; ok && !held.Expired(claim.CreatedAt) {
		return &held, false
	}
	claim.StatusCode = 0
	claim.Response = nil
	m[key] = claim
	return nil, true
}

func (m records) release(key string) bool {
	held, ok := m[key]
	if !ok || !held.InFlight() {
		return false
	}
	delete(m, key)
	return true
}

func (m records) prune(now time.Time) {
	for k, rec := range m {
		if rec.Expired(now) {
			delete(m, k)
		}
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data records
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(records)}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, claim Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.data.reserve(key, claim)
	return held, ok, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.release(key)
	return nil
}

// FileStore keeps records in a JSON file. Used when no database is configured.
// Reservations are written through so a restart mid-write still refuses the
// duplicate until the reservation lapses.
type FileStore struct {
	path string
	mu   sync.Mutex
	data records
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(records)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(blob) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	f.data.prune(time.Now())
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Reserve(_ context.Context, key string, claim Record) (*Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	held, ok := f.data.reserve(key, claim)
	if !ok {
		return held, false, nil
	}
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return nil, false, err
	}
	return nil, true, nil
}

func (f *FileStore) Complete(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.prune(record.CreatedAt)
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.data.release(key) {
		return nil
	}
	return f.persist()
}
