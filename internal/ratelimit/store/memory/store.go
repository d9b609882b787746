package memory

import (
	"context"
	"sync"
	"time"

	"receiptflow/internal/ratelimit"
)

type Store struct {
	mu      sync.Mutex
	records map[string]*ratelimit.Lockout
}

func New() *Store {
	return &Store{records: make(map[string]*ratelimit.Lockout)}
}

func (s *Store) Get(_ context.Context, key string) (*ratelimit.Lockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (s *Store) RecordFailure(_ context.Context, key string, now time.Time, window time.Duration) (*ratelimit.Lockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || now.Sub(r.WindowStart) >= window {
		r = &ratelimit.Lockout{Key: key, WindowStart: now, LockedUntil: lockedUntil(r)}
		s.records[key] = r
	}
	r.FailureCount++
	r.LastFailureAt = now
	return clone(r), nil
}

func (s *Store) Lock(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok {
		r.LockedUntil = &until
	}
	return nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func lockedUntil(r *ratelimit.Lockout) *time.Time {
	if r == nil {
		return nil
	}
	return r.LockedUntil
}

func clone(r *ratelimit.Lockout) *ratelimit.Lockout {
	out := *r
	if r.LockedUntil != nil {
		until := *r.LockedUntil
		out.LockedUntil = &until
	}
	return &out
}
