package federationrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// DefaultLeaseTTL bounds how long a crashed writer keeps a member locked.
const DefaultLeaseTTL = time.Minute

const defaultLockRetry = 25 * time.Millisecond

// releaseScript deletes the lease only while it still carries the caller's token, so an
// expired holder never releases a lease taken over by another writer.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Repo) lockKey(id domain.MemberID) string { return r.prefix + "lock:" + string(id) }

// Lock takes a SET NX PX lease on the member, polling until it is free or ctx is done.
func (r *Repo) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	key := r.lockKey(id)
	token := r.newToken()

	retry := time.NewTicker(r.lockRetry)
	defer retry.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.leaseTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", federationrepo.ErrLocked, ctx.Err())
		case <-retry.C:
		}
	}

	return func() {
		// Release with a fresh context; the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// A failed release leaves the lease to expire after leaseTTL.
		_ = releaseScript.Run(rctx, r.client, []string{key}, token).Err()
	}, nil
}
