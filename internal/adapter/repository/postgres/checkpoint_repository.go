package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/logsmith/internal/domain"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS grouper_checkpoint (
	id                       INT PRIMARY KEY CHECK (id = 1),
	last_processed_timestamp TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);
`

// CheckpointRepository stores the single aggregation checkpoint as a one-row
// table. Last writer wins.
type CheckpointRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewCheckpointRepository(db *sql.DB, logger *slog.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

func (r *CheckpointRepository) GetCheckpoint(ctx context.Context) (domain.Checkpoint, bool, error) {
	if _, err := r.db.ExecContext(ctx, checkpointSchema); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("create checkpoint schema: %w", classify(err))
	}

	var c domain.Checkpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT last_processed_timestamp, updated_at
		FROM grouper_checkpoint WHERE id = 1;
	`).Scan(&c.LastProcessedTimestamp, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, classify(err)
	}
	return c, true, nil
}

func (r *CheckpointRepository) UpdateCheckpoint(ctx context.Context, c domain.Checkpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grouper_checkpoint (id, last_processed_timestamp, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			last_processed_timestamp = EXCLUDED.last_processed_timestamp,
			updated_at = EXCLUDED.updated_at;
	`, c.LastProcessedTimestamp, c.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	return nil
}
