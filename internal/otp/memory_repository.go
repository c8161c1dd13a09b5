package otp

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

// NewMemoryRepository builds an in-memory code store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{}
}

func (r *memoryRepository) Insert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRepository) Consume(_ context.Context, email, codeHash string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := -1
	for i, rec := range r.records {
		if rec.Email != email || rec.CodeHash != codeHash || rec.Used || !rec.ExpiresAt.After(now) {
			continue
		}
		if best < 0 || rec.CreatedAt.After(r.records[best].CreatedAt) {
			best = i
		}
	}
	if best < 0 {
		return 0, ErrNoMatch
	}
	r.records[best].Used = true
	return r.records[best].ID, nil
}

func (r *memoryRepository) Purge(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.records[:0]
	var removed int64
	for _, rec := range r.records {
		if rec.Used || !rec.ExpiresAt.After(now) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed, nil
}
