package federationrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// lockNamespace is the first key of the two-key advisory lock, keeping member locks
// apart from the migration lock.
const lockNamespace int32 = 0x66656472

// Lock takes a session advisory lock on the member. The lock lives on a pooled
// connection held until unlock, so every instance sharing the database sees it.
// If the connection drops, Postgres releases the lock with it.
func (r *Repo) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	if r.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, ctx.Err())
		}
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockNamespace, string(id)); err != nil {
		// A cancelled wait may leave the connection mid-protocol; do not return it to the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, ctx.Err())
		}
		return nil, err
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, lockNamespace, string(id)); err != nil {
			// Closing the session drops every advisory lock it holds.
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}, nil
}
