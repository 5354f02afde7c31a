// Package memberlock hands out per-member locks inside one process. Record stores that
// cannot be shared between processes (the in-memory map, an embedded Badger directory)
// use it to implement federationrepo.Repository.Lock.
package memberlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// numShards bounds the number of locks; members hashing to the same shard serialize.
const numShards = 128

// Shards is a fixed set of one-slot semaphores keyed by a hash of the member id.
// The zero value is not usable; call New.
type Shards struct {
	shards [numShards]chan struct{}
}

func New() *Shards {
	l := &Shards{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock waits for the member's shard. A ctx that ends first yields federationrepo.ErrLocked.
func (l *Shards) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, err)
	}
	ch := l.shards[Shard(id)]
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Shard returns the shard index of id.
func Shard(id domain.MemberID) uint32 {
	return hashMemberID(id) % numShards
}

// hashMemberID is FNV-1a.
func hashMemberID(id domain.MemberID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= fnvPrime
	}
	return h
}
