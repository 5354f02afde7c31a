// Package backends opens the adapters selected by the configuration.
package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	badgerdb "github.com/chess-club/federation-api/internal/adapters/badger"
	badgerfederationrepo "github.com/chess-club/federation-api/internal/adapters/badger/federationrepo"
	fsdocstore "github.com/chess-club/federation-api/internal/adapters/filesystem/docstore"
	gcsdocstore "github.com/chess-club/federation-api/internal/adapters/gcs/docstore"
	kafkaevents "github.com/chess-club/federation-api/internal/adapters/kafka/events"
	memevents "github.com/chess-club/federation-api/internal/adapters/memory/events"
	memfederationrepo "github.com/chess-club/federation-api/internal/adapters/memory/federationrepo"
	memidempotency "github.com/chess-club/federation-api/internal/adapters/memory/idempotency"
	memmemberdirectory "github.com/chess-club/federation-api/internal/adapters/memory/memberdirectory"
	postgres "github.com/chess-club/federation-api/internal/adapters/postgres"
	pgfederationrepo "github.com/chess-club/federation-api/internal/adapters/postgres/federationrepo"
	pgidempotency "github.com/chess-club/federation-api/internal/adapters/postgres/idempotency"
	pgmemberdirectory "github.com/chess-club/federation-api/internal/adapters/postgres/memberdirectory"
	redisfederationrepo "github.com/chess-club/federation-api/internal/adapters/redis/federationrepo"
	"github.com/chess-club/federation-api/internal/platform/config"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
	"github.com/chess-club/federation-api/internal/ports/out/events"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
	"github.com/chess-club/federation-api/internal/ports/out/idempotency"
	"github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

// Set is every port implementation the service needs. Close releases them in reverse
// order of opening.
type Set struct {
	Records     federationrepo.Repository
	Documents   docstore.Store
	Directory   memberdirectory.Directory
	Events      events.Publisher
	Idempotency idempotency.Store

	closers []func() error
}

func (s *Set) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open builds the adapters cfg selects. Background maintenance (badger GC) runs until ctx is done.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *Set, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	set := &Set{}
	defer func() {
		if err != nil {
			_ = set.Close()
		}
	}()

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = postgres.NewPool(ctx, cfg.Storage.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		set.onClose(func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		set.Records = pgfederationrepo.NewRepo(pool)
		set.Idempotency = pgidempotency.NewStore(pool)
	case "redis":
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		set.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		// A writer holds the member lease for at most re-read, publish, persist, verify and
		// rollback, each bounded by the write timeout.
		set.Records = redisfederationrepo.NewRepo(client, "",
			redisfederationrepo.WithLeaseTTL(6*cfg.Documents.WriteTimeout))
	case "badger":
		bcfg := badgerdb.DefaultConfig(cfg.Storage.BadgerPath)
		db, err := badgerdb.Open(bcfg, log)
		if err != nil {
			return nil, err
		}
		set.onClose(db.Close)
		go badgerdb.RunGC(ctx, db, bcfg, log)
		set.Records = badgerfederationrepo.NewRepo(db)
	default:
		set.Records = memfederationrepo.NewRepo()
	}
	if set.Idempotency == nil {
		set.Idempotency = memidempotency.NewStore()
	}

	policy := docstore.Policy{
		AllowedExtensions: cfg.Documents.AllowedExtensions,
		MaxBytes:          cfg.Documents.MaxBytes,
	}
	switch cfg.Documents.Backend {
	case "gcs":
		store, err := gcsdocstore.New(ctx, gcsdocstore.Options{
			Bucket:          cfg.Documents.GCSBucket,
			Prefix:          cfg.Documents.GCSPrefix,
			CredentialsFile: cfg.Documents.GCSCredentials,
			Policy:          policy,
		})
		if err != nil {
			return nil, err
		}
		set.onClose(store.Close)
		set.Documents = store
	default:
		store, err := fsdocstore.New(cfg.Documents.BaseDir, policy)
		if err != nil {
			return nil, err
		}
		set.Documents = store
	}

	switch cfg.Directory.Backend {
	case "postgres":
		dir := pgmemberdirectory.NewDirectory(pool)
		set.Directory = dir
	default:
		dir := memmemberdirectory.NewDirectory()
		if cfg.Directory.SeedFile != "" {
			n, err := dir.LoadSeedFile(cfg.Directory.SeedFile)
			if err != nil {
				return nil, err
			}
			log.Info("member directory seeded", zap.Int("members", n), zap.String("file", cfg.Directory.SeedFile))
		}
		set.Directory = dir
	}

	switch cfg.Events.Backend {
	case "kafka":
		pub, err := kafkaevents.New(kafkaevents.Options{
			Brokers:  cfg.Events.Brokers,
			Topic:    cfg.Events.Topic,
			ClientID: "federation-api",
		})
		if err != nil {
			return nil, err
		}
		set.onClose(func() error { pub.Close(); return nil })
		set.Events = pub
	default:
		set.Events = memevents.NewRecorder()
	}

	return set, nil
}
