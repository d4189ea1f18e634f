package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/usecase"
)

func newGroupCmd() *cobra.Command {
	var (
		limit            int
		batchSize        int
		ignoreCheckpoint bool
		sessionID        string
		workers          int
		clearIndex       bool
		replayFailed     bool
	)

	cmd := &cobra.Command{
		Use:   "group",
		Short: "Aggregate ingested error logs into groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			uc := a.aggregateUseCase()

			if replayFailed {
				applied, err := uc.ReplayFailedGroups(ctx)
				a.logger.Info("failed-group replay finished", "applied", applied)
				return err
			}

			if clearIndex {
				a.logger.Warn("clearing all groups before aggregation")
				if err := a.groups.EnsureSchema(ctx); err != nil {
					return err
				}
				if err := a.groups.Clear(ctx); err != nil {
					return fmt.Errorf("clear groups: %w", err)
				}
			}

			opts := usecase.AggregateOptions{
				Limit:            limit,
				BatchSize:        batchSize,
				IgnoreCheckpoint: ignoreCheckpoint,
				SessionID:        sessionID,
				ScanPageSize:     a.cfg.ScanPageSize,
				CustomRuleLimit:  a.cfg.CustomRuleLimit,
			}
			if batchSize <= 0 {
				opts.BatchSize = a.cfg.GroupBatchSize
			}

			var report domain.AggregateReport
			if workers > 1 {
				report, err = runSliced(cmd, uc, opts, workers)
			} else {
				report, err = uc.Run(ctx, opts)
			}

			a.logger.Info("aggregation finished",
				"processed", report.Processed, "upserted", report.Upserted,
				"failed", report.Failed)
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d group deltas failed, see failed-groups log", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "stop after processing this many records (0 = no limit)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records accumulated per flush (overrides GROUP_BATCH_SIZE)")
	cmd.Flags().BoolVar(&ignoreCheckpoint, "ignore-checkpoint", false, "scan all records regardless of the stored checkpoint")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "only process records from one ingestion session")
	cmd.Flags().IntVar(&workers, "workers", 1, "parallel aggregation workers, each owning a deterministic slice")
	cmd.Flags().BoolVar(&clearIndex, "clear-index", false, "delete every group before aggregating (back up analyst state first)")
	cmd.Flags().BoolVar(&replayFailed, "replay-failed", false, "replay the failed-groups log instead of scanning")

	return cmd
}

// runSliced partitions the scan space across workers. Sliced runs never
// advance the checkpoint; run a sequential pass afterwards, or use
// --ignore-checkpoint, to move it.
func runSliced(cmd *cobra.Command, uc *usecase.AggregateGroupsUseCase, opts usecase.AggregateOptions, workers int) (domain.AggregateReport, error) {
	var (
		mu    sync.Mutex
		total domain.AggregateReport
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < workers; i++ {
		sliceOpts := opts
		sliceOpts.Slice = &domain.SliceInfo{ID: i, Max: workers}
		g.Go(func() error {
			report, err := uc.Run(ctx, sliceOpts)
			mu.Lock()
			total.Processed += report.Processed
			total.Upserted += report.Upserted
			total.Failed += report.Failed
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}
