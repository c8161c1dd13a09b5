package identity

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]Identity
	now    func() time.Time
}

// NewMemoryRepository builds an in-memory identity store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{rows: make(map[int64]Identity), now: time.Now}
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.rows {
		if row.Email == email {
			return row.Clone(), nil
		}
	}
	return Identity{}, ErrNotFound
}

func (r *memoryRepository) FindByID(_ context.Context, id int64) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (r *memoryRepository) Insert(_ context.Context, identity Identity) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emailTakenLocked(identity.Email, 0) {
		return 0, ErrEmailTaken
	}
	r.nextID++
	row := identity.Clone()
	row.ID = r.nextID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.now().UTC()
	}
	row.UpdatedAt = row.CreatedAt
	r.rows[row.ID] = row
	return row.ID, nil
}

func (r *memoryRepository) Update(_ context.Context, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[identity.ID]; !ok {
		return ErrNotFound
	}
	if r.emailTakenLocked(identity.Email, identity.ID) {
		return ErrEmailTaken
	}
	row := identity.Clone()
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = r.now().UTC()
	}
	r.rows[row.ID] = row
	return nil
}

func (r *memoryRepository) Restore(_ context.Context, snapshot Identity, writtenHash []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rows[snapshot.ID]
	if !ok || !bytes.Equal(current.PINHash, writtenHash) || current.SelfieURL != "" {
		return ErrChanged
	}
	r.rows[snapshot.ID] = snapshot.Clone()
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memoryRepository) SetSelfie(_ context.Context, id int64, url string) error {
	return r.mutate(id, func(row *Identity) { row.SelfieURL = url })
}

func (r *memoryRepository) SetCredential(_ context.Context, id int64, hash, salt []byte) error {
	return r.mutate(id, func(row *Identity) {
		row.PINHash = append([]byte(nil), hash...)
		row.PINSalt = append([]byte(nil), salt...)
	})
}

func (r *memoryRepository) mutate(id int64, fn func(*Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	fn(&row)
	row.UpdatedAt = r.now().UTC()
	r.rows[id] = row
	return nil
}

func (r *memoryRepository) emailTakenLocked(email string, except int64) bool {
	for id, row := range r.rows {
		if id != except && row.Email == email {
			return true
		}
	}
	return false
}
