// Package badger opens the embedded BadgerDB used by the single-node deployment.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type Config struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool

	// GCInterval of zero disables value log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type zapLogger struct{ log *zap.SugaredLogger }

func (l zapLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

// Open opens the database. A nil logger silences badger.
func Open(cfg Config, log *zap.Logger) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if log != nil {
		opts = opts.WithLogger(zapLogger{log: log.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// RunGC runs value log GC every cfg.GCInterval until ctx is done.
func RunGC(ctx context.Context, db *badger.DB, cfg Config, log *zap.Logger) {
	if cfg.InMemory || cfg.GCInterval <= 0 {
		return
	}
	ratio := cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// One call rewrites at most one file; loop until nothing is left to reclaim.
			for {
				err := db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && log != nil {
					log.Warn("badger value log gc failed", zap.Error(err))
				}
				break
			}
		}
	}
}
