package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/logsmith/internal/domain"
)

const rawLogsTable = "raw_logs"

const rawLogsSchema = `
CREATE TABLE IF NOT EXISTS raw_logs (
	id                           TEXT PRIMARY KEY,
	ts                           TIMESTAMPTZ,
	level                        TEXT NOT NULL DEFAULT '',
	logger_name                  TEXT NOT NULL DEFAULT '',
	thread_name                  TEXT NOT NULL DEFAULT '',
	source_host                  TEXT NOT NULL DEFAULT '',
	message                      TEXT NOT NULL DEFAULT '',
	exception_class              TEXT NOT NULL DEFAULT '',
	exception_message            TEXT NOT NULL DEFAULT '',
	normalized_message           TEXT NOT NULL DEFAULT '',
	normalized_exception_message TEXT NOT NULL DEFAULT '',
	sequence_summary             TEXT NOT NULL DEFAULT '',
	generated_rule_lines_found   INT NOT NULL DEFAULT 0,
	total_lines_in_stack         INT NOT NULL DEFAULT 0,
	input_length                 INT NOT NULL DEFAULT 0,
	session_id                   TEXT NOT NULL DEFAULT '',
	ingestion_timestamp          TIMESTAMPTZ NOT NULL,
	file_name                    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS raw_logs_ingestion_ts_idx ON raw_logs (ingestion_timestamp, id);
CREATE INDEX IF NOT EXISTS raw_logs_session_idx ON raw_logs (session_id);
`

var rawLogColumns = []string{
	"id", "ts", "level", "logger_name", "thread_name", "source_host", "message",
	"exception_class", "exception_message", "normalized_message",
	"normalized_exception_message", "sequence_summary",
	"generated_rule_lines_found", "total_lines_in_stack", "input_length",
	"session_id", "ingestion_timestamp", "file_name",
}

const (
	scanPageRetries = 5
	scanPageBackoff = 500 * time.Millisecond
)

// RawLogRepository implements domain.RawLogStore on PostgreSQL.
type RawLogRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	pageSize int
}

// NewRawLogRepository creates a new PostgreSQL raw-log repository. pageSize is
// the default scan page when the query does not set one.
func NewRawLogRepository(db *sql.DB, logger *slog.Logger, pageSize int) *RawLogRepository {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &RawLogRepository{db: db, logger: logger, pageSize: pageSize}
}

func (r *RawLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, rawLogsSchema); err != nil {
		return fmt.Errorf("create raw_logs schema: %w", classify(err))
	}
	return nil
}

// BulkUpsert stages the batch into a temp table via COPY and merges it with
// ON CONFLICT DO NOTHING. Records are immutable once written, so an existing
// id is a duplicate, never an update.
func (r *RawLogRepository) BulkUpsert(ctx context.Context, records []domain.RawLogRecord) (domain.BulkResult, error) {
	if len(records) == 0 {
		return domain.BulkResult{}, nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BulkResult{}, classify(err)
	}
	defer txn.Rollback() // no-op after Commit

	tempTable := "raw_logs_import"
	if _, err := txn.ExecContext(ctx, `CREATE TEMP TABLE `+tempTable+` (LIKE `+rawLogsTable+` INCLUDING DEFAULTS) ON COMMIT DROP;`); err != nil {
		return domain.BulkResult{}, classify(err)
	}

	stmt, err := txn.Prepare(pq.CopyIn(tempTable, rawLogColumns...))
	if err != nil {
		return domain.BulkResult{}, classify(err)
	}

	for _, rec := range records {
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Timestamp, rec.Level, rec.LoggerName, rec.ThreadName,
			rec.SourceHost, rec.Message, rec.ExceptionClass, rec.ExceptionMessage,
			rec.NormalizedMessage, rec.NormalizedException, rec.SequenceSummary,
			rec.GeneratedRuleLines, rec.TotalStackLines, rec.InputLength,
			rec.SessionID, rec.IngestionTimestamp, rec.FileName,
		)
		if err != nil {
			_ = stmt.Close()
			return domain.BulkResult{}, classify(err)
		}
	}
	if err := stmt.Close(); err != nil {
		return domain.BulkResult{}, classify(err)
	}

	// DISTINCT ON guards against the same content id appearing twice within
	// one batch, which ON CONFLICT cannot resolve inside a single INSERT.
	res, err := txn.ExecContext(ctx, `
		INSERT INTO `+rawLogsTable+`
		SELECT DISTINCT ON (id) * FROM `+tempTable+`
		ON CONFLICT (id) DO NOTHING;
	`)
	if err != nil {
		return domain.BulkResult{}, classify(err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.BulkResult{}, classify(err)
	}

	if err := txn.Commit(); err != nil {
		return domain.BulkResult{}, classify(err)
	}

	return domain.BulkResult{
		Indexed:    int(inserted),
		Duplicates: len(records) - int(inserted),
	}, nil
}

// Scan pages through matching records in (ingestion_timestamp, id) order.
// Each page is fetched independently with bounded retries, so a transient
// error mid-scan costs one page, not the whole pass.
func (r *RawLogRepository) Scan(ctx context.Context, q domain.ScanQuery, fn func(domain.ScannedRecord) error) error {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = r.pageSize
	}

	var afterTS time.Time
	var afterID string
	first := true

	for {
		page, err := r.fetchPage(ctx, q, pageSize, first, afterTS, afterID)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}

		last := page[len(page)-1]
		afterTS, afterID, first = last.IngestionTimestamp, last.ID, false

		if len(page) < pageSize {
			return nil
		}
	}
}

func (r *RawLogRepository) fetchPage(ctx context.Context, q domain.ScanQuery, pageSize int, first bool, afterTS time.Time, afterID string) ([]domain.ScannedRecord, error) {
	query := `
		SELECT id, level, sequence_summary, exception_message, normalized_exception_message,
		       message, normalized_message, logger_name, ingestion_timestamp
		FROM ` + rawLogsTable + `
		WHERE 1=1`
	args := []any{}

	if !first {
		query += fmt.Sprintf(" AND (ingestion_timestamp, id) > ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, afterTS, afterID)
	}
	if q.Level != "" {
		query += fmt.Sprintf(" AND level = $%d", len(args)+1)
		args = append(args, q.Level)
	}
	if q.Since != nil {
		query += fmt.Sprintf(" AND ingestion_timestamp > $%d", len(args)+1)
		args = append(args, *q.Since)
	}
	if q.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", len(args)+1)
		args = append(args, q.SessionID)
	}
	if q.Slice != nil && q.Slice.Max > 1 {
		query += fmt.Sprintf(" AND mod(abs(hashtext(id)), $%d) = $%d", len(args)+1, len(args)+2)
		args = append(args, q.Slice.Max, q.Slice.ID)
	}

	query += fmt.Sprintf(" ORDER BY ingestion_timestamp, id LIMIT $%d", len(args)+1)
	args = append(args, pageSize)

	var lastErr error
	for attempt := 1; attempt <= scanPageRetries; attempt++ {
		page, err := r.queryPage(ctx, query, args)
		if err == nil {
			return page, nil
		}
		lastErr = classify(err)
		if !domain.IsRetryable(lastErr) {
			return nil, lastErr
		}
		r.logger.Warn("scan page failed, retrying", "attempt", attempt, "error", err)

		select {
		case <-time.After(scanPageBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("scan page after %d attempts: %w", scanPageRetries, lastErr)
}

func (r *RawLogRepository) queryPage(ctx context.Context, query string, args []any) ([]domain.ScannedRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []domain.ScannedRecord
	for rows.Next() {
		var rec domain.ScannedRecord
		if err := rows.Scan(
			&rec.ID, &rec.Level, &rec.SequenceSummary, &rec.ExceptionMessage,
			&rec.NormalizedException, &rec.Message, &rec.NormalizedMessage,
			&rec.LoggerName, &rec.IngestionTimestamp,
		); err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

// OptimizeForBulk pauses autovacuum on the table for the duration of a bulk
// load. Failing to optimize is logged, never fatal; the load just runs at
// normal settings.
func (r *RawLogRepository) OptimizeForBulk(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `ALTER TABLE `+rawLogsTable+` SET (autovacuum_enabled = false);`)
	if err != nil {
		return classify(err)
	}
	return nil
}

// RestoreSettings reenables autovacuum and refreshes planner statistics after
// a bulk load.
func (r *RawLogRepository) RestoreSettings(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `ALTER TABLE `+rawLogsTable+` SET (autovacuum_enabled = true);`); err != nil {
		return classify(err)
	}
	if _, err := r.db.ExecContext(ctx, `ANALYZE `+rawLogsTable+`;`); err != nil {
		return classify(err)
	}
	return nil
}
