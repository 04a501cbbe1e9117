package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/historical"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/postgres"

	"github.com/spf13/cobra"
)

type rangeFlags struct {
	startID           int64
	maxID             int64
	doNotRetrySeconds int64
	force             bool
}

func (f *rangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.startID, "start-id", 0, "first id to replay")
	cmd.Flags().Int64Var(&f.maxID, "max-id", 0, "last id to replay (default: current maximum)")
	addCommonFlags(cmd, &f.doNotRetrySeconds, &f.force)
}

func (f *rangeFlags) request() historical.IDRangeRequest {
	return historical.IDRangeRequest{
		StartID:       f.startID,
		MaxID:         f.maxID,
		DoNotRetryFor: time.Duration(f.doNotRetrySeconds) * time.Second,
		Force:         f.force,
	}
}

func addCommonFlags(cmd *cobra.Command, doNotRetrySeconds *int64, force *bool) {
	cmd.Flags().Int64Var(doNotRetrySeconds, "do-not-retry-emit-until-duration-seconds", 0,
		"suppress ledger backfill retries of failed publishes for this many seconds")
	cmd.Flags().BoolVar(force, "force", false, "re-emit events the ledger already records as emitted")
}

func chargesCmd() *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Replay the full history of charges in an id range",
		Example: `  backfill charges --start-id 1 --max-id 5000
  backfill charges --start-id 120000 --do-not-retry-emit-until-duration-seconds 3600`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := flags.request()
			if err := req.Validate(); err != nil {
				return err
			}
			lock := fmt.Sprintf("%s:%d-%d", historical.ModeCharges, req.StartID, req.MaxID)
			return withApp(cmd, lock, func(ctx context.Context, a *app) (any, error) {
				return a.emission.Historical.EmitByIDRange(ctx, req)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func refundsCmd() *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "refunds",
		Short: "Replay refund events for refunds in an id range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := flags.request()
			if err := req.Validate(); err != nil {
				return err
			}
			lock := fmt.Sprintf("%s:%d-%d", historical.ModeRefunds, req.StartID, req.MaxID)
			return withApp(cmd, lock, func(ctx context.Context, a *app) (any, error) {
				return a.emission.Historical.EmitRefundsByIDRange(ctx, req)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func datesCmd() *cobra.Command {
	var (
		start, end        string
		doNotRetrySeconds int64
		force             bool
	)
	cmd := &cobra.Command{
		Use:     "dates",
		Short:   "Replay the full history of charges with a status change in [start, end)",
		Example: `  backfill dates --start-date 2024-01-01T00:00:00Z --end-date 2024-01-02T00:00:00Z`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			startDate, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start-date: %w", err)
			}
			endDate, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return fmt.Errorf("invalid --end-date: %w", err)
			}
			req := historical.DateRangeRequest{
				Start:         startDate,
				End:           endDate,
				DoNotRetryFor: time.Duration(doNotRetrySeconds) * time.Second,
				Force:         force,
			}
			if err := req.Validate(); err != nil {
				return err
			}
			lock := fmt.Sprintf("%s:%s-%s", historical.ModeDates, startDate.UTC().Format(time.RFC3339), endDate.UTC().Format(time.RFC3339))
			return withApp(cmd, lock, func(ctx context.Context, a *app) (any, error) {
				return a.emission.Historical.EmitByDateRange(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start-date", "", "inclusive start, RFC 3339")
	cmd.Flags().StringVar(&end, "end-date", "", "exclusive end, RFC 3339")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")
	addCommonFlags(cmd, &doNotRetrySeconds, &force)
	return cmd
}

func ledgerCmd() *cobra.Command {
	var startID int64
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Replay resources whose ledger rows were never marked emitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if startID < 0 {
				return fmt.Errorf("invalid --start-id %d", startID)
			}
			return withApp(cmd, "ledger", func(ctx context.Context, a *app) (any, error) {
				return a.emission.LedgerBackfill.Run(ctx, startID)
			})
		},
	}
	cmd.Flags().Int64Var(&startID, "start-id", 0, "resume after this ledger id")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the emitted_events ledger table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			pool, err := a.factory.Postgres(cmd.Context())
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}
