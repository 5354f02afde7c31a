package federationrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chess-club/federation-api/internal/adapters/memory/memberlock"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

var keyPrefix = []byte("federation/record/")

// Repo stores records under federation/record/<memberId>. Badger iterates keys in byte
// order, so List needs no sort. Conflicting transactions surface as badger.ErrConflict.
//
// Badger holds a lock on its directory, so one process owns the database and member
// locks stay in process. Open one Repo per DB.
type Repo struct {
	db    *badger.DB
	locks *memberlock.Shards
}

func NewRepo(db *badger.DB) *Repo {
	return &Repo{db: db, locks: memberlock.New()}
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

func key(id domain.MemberID) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

func (r *Repo) Get(ctx context.Context, id domain.MemberID) (federationrepo.Record, error) {
	if err := ctx.Err(); err != nil {
		return federationrepo.Record{}, err
	}
	var rec federationrepo.Record
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = read(txn, id)
		return err
	})
	return rec, err
}

func (r *Repo) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	if err := ctx.Err(); err != nil {
		return federationrepo.Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return federationrepo.Record{}, err
	}

	var stored federationrepo.Record
	err := r.db.Update(func(txn *badger.Txn) error {
		var current int64
		existing, err := read(txn, rec.MemberID)
		switch {
		case errors.Is(err, federationrepo.ErrNotFound):
		case err != nil:
			return err
		default:
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
		payload, err := json.Marshal(toStored(next))
		if err != nil {
			return err
		}
		if err := txn.Set(key(next.MemberID), payload); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return federationrepo.Record{}, federationrepo.ErrConflict
	}
	if err != nil {
		return federationrepo.Record{}, err
	}
	return stored, nil
}

func (r *Repo) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	return r.locks.Lock(ctx, id)
}

func (r *Repo) List(ctx context.Context) ([]federationrepo.Record, error) {
	var out []federationrepo.Record
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var s storedRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			out = append(out, fromStored(s))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func read(txn *badger.Txn, id domain.MemberID) (federationrepo.Record, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return federationrepo.Record{}, federationrepo.ErrNotFound
	}
	if err != nil {
		return federationrepo.Record{}, err
	}
	var s storedRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	}); err != nil {
		return federationrepo.Record{}, err
	}
	return fromStored(s), nil
}

func toStored(r federationrepo.Record) storedRecord {
	return storedRecord{
		MemberID:           string(r.MemberID),
		State:              string(r.State),
		AutoRenew:          r.AutoRenew,
		LastDocumentUpdate: r.LastDocumentUpdate,
		FrontImageRef:      r.FrontImageRef,
		BackImageRef:       r.BackImageRef,
		Version:            r.Version,
		UpdatedAt:          r.UpdatedAt,
	}
}

func fromStored(s storedRecord) federationrepo.Record {
	return federationrepo.Record{
		MemberID:           domain.MemberID(s.MemberID),
		State:              domain.FederationState(s.State),
		AutoRenew:          s.AutoRenew,
		LastDocumentUpdate: s.LastDocumentUpdate.UTC(),
		FrontImageRef:      s.FrontImageRef,
		BackImageRef:       s.BackImageRef,
		Version:            s.Version,
		UpdatedAt:          s.UpdatedAt.UTC(),
	}
}
