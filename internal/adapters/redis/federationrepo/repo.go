package federationrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

const defaultPrefix = "federation:"

// Repo stores each record as a JSON string and keeps member ids in a sorted set
// (all scores zero, so ZRANGE is lexicographic). Upsert is a WATCH/MULTI compare-and-swap.
type Repo struct {
	client redis.UniversalClient
	prefix string

	leaseTTL  time.Duration
	lockRetry time.Duration
	newToken  func() string
}

type Option func(*Repo)

// WithLeaseTTL sets how long a member lock survives without an unlock. It must cover
// the longest locked section of a writer.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Repo) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

func NewRepo(client redis.UniversalClient, prefix string, opts ...Option) *Repo {
	if prefix == "" {
		prefix = defaultPrefix
	}
	r := &Repo{
		client:    client,
		prefix:    prefix,
		leaseTTL:  DefaultLeaseTTL,
		lockRetry: defaultLockRetry,
		newToken:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type storedRecord struct {
	MemberID           string    `json:"memberId"`
	State              string    `json:"state"`
	AutoRenew          bool      `json:"autoRenew"`
	LastDocumentUpdate time.Time `json:"lastDocumentUpdate,omitzero"`
	FrontImageRef      string    `json:"frontImageRef"`
	BackImageRef       string    `json:"backImageRef"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (r *Repo) recordKey(id domain.MemberID) string { return r.prefix + "record:" + string(id) }
func (r *Repo) indexKey() string                    { return r.prefix + "ids" }

func (r *Repo) Get(ctx context.Context, id domain.MemberID) (federationrepo.Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return federationrepo.Record{}, federationrepo.ErrNotFound
		}
		return federationrepo.Record{}, err
	}
	return decode(data)
}

func (r *Repo) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	if err := rec.Validate(); err != nil {
		return federationrepo.Record{}, err
	}
	key := r.recordKey(rec.MemberID)

	var stored federationrepo.Record
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing, err := decode(data)
			if err != nil {
				return err
			}
			current = existing.Version
		}
		if current != rec.Version {
			return federationrepo.ErrConflict
		}

		next := rec
		next.Version = current + 1
		next.UpdatedAt = next.UpdatedAt.UTC()
		if !next.LastDocumentUpdate.IsZero() {
			next.LastDocumentUpdate = domain.DateOnly(next.LastDocumentUpdate)
		}
		payload, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: 0, Member: string(next.MemberID)})
			return nil
		})
		if err != nil {
			return err
		}
		stored = next
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return federationrepo.Record{}, federationrepo.ErrConflict
		}
		return federationrepo.Record{}, err
	}
	return stored, nil
}

func (r *Repo) List(ctx context.Context) ([]federationrepo.Record, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(domain.MemberID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]federationrepo.Record, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Indexed but missing; skip rather than fail the listing.
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func encode(r federationrepo.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		MemberID:           string(r.MemberID),
		State:              string(r.State),
		AutoRenew:          r.AutoRenew,
		LastDocumentUpdate: r.LastDocumentUpdate,
		FrontImageRef:      r.FrontImageRef,
		BackImageRef:       r.BackImageRef,
		Version:            r.Version,
		UpdatedAt:          r.UpdatedAt,
	})
}

func decode(data []byte) (federationrepo.Record, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return federationrepo.Record{}, err
	}
	return federationrepo.Record{
		MemberID:           domain.MemberID(s.MemberID),
		State:              domain.FederationState(s.State),
		AutoRenew:          s.AutoRenew,
		LastDocumentUpdate: s.LastDocumentUpdate.UTC(),
		FrontImageRef:      s.FrontImageRef,
		BackImageRef:       s.BackImageRef,
		Version:            s.Version,
		UpdatedAt:          s.UpdatedAt.UTC(),
	}, nil
}
