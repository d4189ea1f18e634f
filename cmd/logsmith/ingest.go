package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	var (
		retryFile  string
		replayDLQ  bool
		workers    int
		chunkSize  int
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest error logs from a JSON lines file or zip archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if workers > 0 {
				a.cfg.BulkWorkers = workers
			}
			if chunkSize > 0 {
				a.cfg.BulkChunkSize = chunkSize
			}
			if maxRetries > 0 {
				a.cfg.BulkMaxRetries = maxRetries
			}

			uc := a.ingestUseCase()

			if replayDLQ {
				report, err := uc.ReplayDeadLetter(ctx)
				a.logger.Info("dead-letter replay finished",
					"indexed", report.Indexed, "failed", report.Failed,
					"duplicates", report.Duplicates, "ignored", report.Ignored)
				return err
			}

			if retryFile != "" {
				report, err := uc.IngestRetryFile(ctx, retryFile)
				a.logger.Info("retry file ingestion finished",
					"file", retryFile, "indexed", report.Indexed,
					"failed", report.Failed, "duplicates", report.Duplicates)
				return err
			}

			if len(args) == 0 {
				return errors.New("a log file argument is required unless --retry-file or --replay-dead-letter is set")
			}

			report, err := uc.IngestFile(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ingest %s: %w", args[0], err)
			}
			a.logger.Info("ingestion finished",
				"file", report.FileName, "session_id", report.SessionID,
				"indexed", report.Indexed, "failed", report.Failed,
				"duplicates", report.Duplicates, "ignored", report.Ignored,
				"skipped_safe", report.SkippedSafe)

			if report.Failed > 0 {
				return fmt.Errorf("%d documents failed permanently, see dead letter", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&retryFile, "retry-file", "", "ingest a newline-delimited JSON retry file instead of a fresh log file")
	cmd.Flags().BoolVar(&replayDLQ, "replay-dead-letter", false, "replay the dead-letter queue into the raw-log store")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel bulk writers (overrides BULK_WORKERS)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "records per bulk write (overrides BULK_CHUNK_SIZE)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "bulk write retry attempts (overrides BULK_MAX_RETRIES)")

	return cmd
}
