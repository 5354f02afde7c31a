package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/chess-club/federation-api/internal/ports/out/idempotency"
)

// DefaultTTL bounds how long an upload response is replayable.
const DefaultTTL = 24 * time.Hour

// Store is an in-memory implementation of idempotency.Store.
// It is safe for concurrent use. Expired records are dropped lazily on access.
type Store struct {
	mu  sync.RWMutex
	m   map[idempotency.Fingerprint]idempotency.Record
	ttl time.Duration
	now func() time.Time
}

func NewStore() *Store {
	return NewStoreWithTTL(DefaultTTL)
}

func NewStoreWithTTL(ttl time.Duration) *Store {
	return &Store{
		m:   make(map[idempotency.Fingerprint]idempotency.Record),
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Get(ctx context.Context, fp idempotency.Fingerprint) (idempotency.Record, bool, error) {
	_ = ctx
	s.mu.RLock()
	rec, ok := s.m[fp]
	s.mu.RUnlock()
	if !ok {
		return idempotency.Record{}, false, nil
	}
	if s.expired(rec) {
		s.mu.Lock()
		delete(s.m, fp)
		s.mu.Unlock()
		return idempotency.Record{}, false, nil
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, fp idempotency.Fingerprint, rec idempotency.Record) error {
	_ = ctx
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Body = append([]byte(nil), rec.Body...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[fp] = rec
	return nil
}

func (s *Store) expired(rec idempotency.Record) bool {
	return s.ttl > 0 && s.now().Sub(rec.CreatedAt) > s.ttl
}
