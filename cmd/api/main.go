package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/chess-club/federation-api/internal/adapters/httpapi"
	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/platform/backends"
	platformclock "github.com/chess-club/federation-api/internal/platform/clock"
	"github.com/chess-club/federation-api/internal/platform/config"
	"github.com/chess-club/federation-api/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, err := backends.Open(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("open backends", zap.Error(err))
	}
	defer func() {
		if err := set.Close(); err != nil {
			zl.Warn("close backends", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := federation.NewService(
		set.Records,
		set.Documents,
		set.Directory,
		platformclock.NewSystemClock(),
		federation.WithLogger(zl),
		federation.WithMetrics(federation.NewMetrics(reg)),
		federation.WithEvents(set.Events),
		federation.WithStorageTimeout(cfg.Documents.WriteTimeout),
	)

	api := httpapi.NewServer(svc, set.Idempotency)
	api.MaxDocumentBytes = cfg.Documents.MaxBytes
	api.Log = zl
	if cfg.AdminToken == "" {
		zl.Warn("ADMIN_TOKEN is empty; back-office routes are unauthenticated")
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewRouter(api, httpapi.RouterOptions{
			Logger:     zl,
			Gatherer:   reg,
			AdminToken: cfg.AdminToken,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zl.Info("api listening",
			zap.String("addr", srv.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("documents", cfg.Documents.Backend),
			zap.String("directory", cfg.Directory.Backend),
			zap.String("events", cfg.Events.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("shutdown", zap.Error(err))
	}
}
