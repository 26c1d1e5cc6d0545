package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Repository persists sessions so they survive a restart.
type Repository interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context, now time.Time) ([]*Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// memoryRepo is used when no database is configured.
type memoryRepo struct {
	mu    sync.RWMutex
	store map[uuid.UUID]*Session
}

func NewMemoryRepo() Repository {
	return &memoryRepo{store: make(map[uuid.UUID]*Session)}
}

func (r *memoryRepo) Save(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.store[s.ID] = &cp
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.store[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
	return nil
}

func (r *memoryRepo) ListActive(ctx context.Context, now time.Time) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.store {
		if !s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.store {
		if s.Expired(now) {
			delete(r.store, id)
			n++
		}
	}
	return n, nil
}
