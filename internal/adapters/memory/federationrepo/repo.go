package federationrepo

import (
	"context"
	"sort"
	"sync"

	"github.com/chess-club/federation-api/internal/adapters/memory/memberlock"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// Repo is an in-memory implementation of federationrepo.Repository.
// It is safe for concurrent use.
type Repo struct {
	mu sync.RWMutex

	byID  map[domain.MemberID]federationrepo.Record
	locks *memberlock.Shards
}

func NewRepo() *Repo {
	return &Repo{
		byID:  make(map[domain.MemberID]federationrepo.Record),
		locks: memberlock.New(),
	}
}

func (r *Repo) Get(ctx context.Context, id domain.MemberID) (federationrepo.Record, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return federationrepo.Record{}, federationrepo.ErrNotFound
	}
	return rec, nil
}

func (r *Repo) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	if err := ctx.Err(); err != nil {
		return federationrepo.Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return federationrepo.Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if existing, ok := r.byID[rec.MemberID]; ok {
		current = existing.Version
	}
	if current != rec.Version {
		return federationrepo.Record{}, federationrepo.ErrConflict
	}

	rec.Version = current + 1
	rec.LastDocumentUpdate = rec.LastDocumentUpdate.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	r.byID[rec.MemberID] = rec
	return rec, nil
}

func (r *Repo) List(ctx context.Context) ([]federationrepo.Record, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]federationrepo.Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MemberID < out[j].MemberID
	})
	return out, nil
}

// Lock serializes writers of one member across every Service sharing this Repo.
func (r *Repo) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	return r.locks.Lock(ctx, id)
}
