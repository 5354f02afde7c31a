package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/domain"
)

func listCmd(get func() *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every persisted federation record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want domain.FederationState
			if state != "" {
				s, err := domain.ParseFederationState(strings.ToUpper(state))
				if err != nil {
					return err
				}
				want = s
			}
			a := get()
			recs, err := a.svc.ListAllFederationRecords(cmd.Context())
			if err != nil {
				return err
			}
			if want != "" {
				filtered := recs[:0]
				for _, r := range recs {
					if r.State == want {
						filtered = append(filtered, r)
					}
				}
				recs = filtered
			}
			fmt.Fprintln(a.out, renderRecords(recs))
			fmt.Fprintln(a.out, mutedStyle.Render(fmt.Sprintf("%d record(s)", len(recs))))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only show records in this state (NOT_FEDERATED, PENDING, FEDERATED)")
	return cmd
}

func showCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <email>",
		Short: "Show the federation record of a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			email := domain.Email(args[0])
			rec, err := a.svc.GetFederationRecord(cmd.Context(), email)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, renderRecord(email, rec))
			return nil
		},
	}
}

type transitionResult struct {
	id  domain.MemberID
	rec domain.FederationRecord
	err error
}

// transitionCmd applies op to every member id given, a few at a time. Each member is
// independent; failures are reported per member and make the command exit non-zero.
func transitionCmd(get func() *app, name, short string, op federation.Operation) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   name + " <memberId>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			run := map[federation.Operation]func(context.Context, domain.MemberID) (domain.FederationRecord, error){
				federation.OpConfirm: a.svc.ConfirmOrRevoke,
				federation.OpApprove: a.svc.Approve,
				federation.OpRevoke:  a.svc.Revoke,
			}[op]

			results := make([]transitionResult, len(args))
			p := pool.New().WithMaxGoroutines(max(parallel, 1))
			for i, arg := range args {
				p.Go(func() {
					id := domain.MemberID(arg)
					rec, err := run(cmd.Context(), id)
					results[i] = transitionResult{id: id, rec: rec, err: err}
				})
			}
			p.Wait()

			var errs []error
			for _, r := range results {
				if r.err != nil {
					fmt.Fprintln(a.out, dangerStyle.Render(fmt.Sprintf("✗ %s: %v", r.id, r.err)))
					errs = append(errs, fmt.Errorf("%s: %w", r.id, r.err))
					continue
				}
				fmt.Fprintln(a.out, accentStyle.Render(fmt.Sprintf("✓ %s → %s", r.id, r.rec.State)))
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d member(s) failed: %w", len(errs), len(args), errors.Join(errs...))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 4, "members processed concurrently")
	return cmd
}

func sweepStagingCmd(get func() *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep-staging",
		Short: "Remove abandoned temporary documents",
		Long: `Deletes staged document files left behind by uploads that never completed.
Only files older than --older-than are removed so in-flight uploads are not affected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			a := get()
			cutoff := a.clock.Now().Add(-olderThan)
			n, err := a.set.Documents.SweepStaging(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, accentStyle.Render(fmt.Sprintf("removed %d staged document(s) older than %s", n, olderThan)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of staged files to remove")
	return cmd
}

type expiringStore interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

func purgeIdempotencyCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired upload replay records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			store, ok := a.set.Idempotency.(expiringStore)
			if !ok {
				fmt.Fprintln(a.out, mutedStyle.Render("idempotency store expires records on its own; nothing to purge"))
				return nil
			}
			n, err := store.DeleteExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, accentStyle.Render(fmt.Sprintf("purged %d expired record(s)", n)))
			return nil
		},
	}
}
