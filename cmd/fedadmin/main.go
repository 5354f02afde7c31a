package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/platform/backends"
	platformclock "github.com/chess-club/federation-api/internal/platform/clock"
	"github.com/chess-club/federation-api/internal/platform/config"
	"github.com/chess-club/federation-api/internal/platform/logger"
	clockport "github.com/chess-club/federation-api/internal/ports/out/clock"
)

// app is what every subcommand operates on.
type app struct {
	svc   *federation.Service
	set   *backends.Set
	clock clockport.Clock
	out   io.Writer
}

type opener func(ctx context.Context, verbose bool) (*app, error)

func main() {
	if err := newRootCmd(openFromConfig).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, dangerStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func openFromConfig(ctx context.Context, verbose bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, cfg.Logging.File)
	if err != nil {
		return nil, err
	}
	set, err := backends.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	clk := platformclock.NewSystemClock()
	svc := federation.NewService(set.Records, set.Documents, set.Directory, clk,
		federation.WithLogger(log.Named("fedadmin")),
		federation.WithMetrics(federation.NewMetrics(prometheus.NewRegistry())),
		federation.WithEvents(set.Events),
		federation.WithStorageTimeout(cfg.Documents.WriteTimeout),
	)
	log.Debug("backends opened", zap.String("storage", cfg.Storage.Backend), zap.String("documents", cfg.Documents.Backend))
	return &app{svc: svc, set: set, clock: clk, out: os.Stdout}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var (
		verbose bool
		a       *app
	)
	root := &cobra.Command{
		Use:   "fedadmin",
		Short: "Back-office tool for chess federation memberships",
		Long: `Inspect and move members through the federation lifecycle, and clean up
document storage. Backends are selected with the same environment as the API server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = open(cmd.Context(), verbose)
			if err != nil {
				return err
			}
			if a.out == nil {
				a.out = cmd.OutOrStdout()
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a == nil || a.set == nil {
				return nil
			}
			return a.set.Close()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	get := func() *app { return a }
	root.AddCommand(
		listCmd(get),
		showCmd(get),
		transitionCmd(get, "confirm", "Approve PENDING members and revoke FEDERATED ones", federation.OpConfirm),
		transitionCmd(get, "approve", "Approve PENDING members", federation.OpApprove),
		transitionCmd(get, "revoke", "Revoke FEDERATED members", federation.OpRevoke),
		sweepStagingCmd(get),
		purgeIdempotencyCmd(get),
	)
	return root
}
