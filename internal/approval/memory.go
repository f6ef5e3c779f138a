package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps approval records in memory. Thread-safe.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	cp := *rec
	m.mu.Lock()
	m.records[rec.Request.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id uuid.UUID, status Status, d *Decision, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrAlreadyResolved
	}
	rec.Status = status
	rec.ResolvedAt = at.UTC()
	if d != nil {
		cp := *d
		rec.Decision = &cp
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, status Status) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.CreatedAt.Before(out[j].Request.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ExpireOld(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusPending && now.After(rec.Request.ExpiresAt) {
			rec.Status = StatusExpired
			rec.ResolvedAt = now.UTC()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteResolved(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.Status.Terminal() && rec.Request.CreatedAt.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
