package domain

import "context"

// BulkResult reports the outcome of one bulk upsert against the raw-log store.
type BulkResult struct {
	Indexed    int
	Duplicates int
}

// RawLogStore is the external raw-log collaborator: idempotent bulk writes
// keyed by content hash, plus a resumable filtered scan for the aggregator.
type RawLogStore interface {
	// EnsureSchema creates the backing index/table if missing.
	EnsureSchema(ctx context.Context) error

	// BulkUpsert writes records by id. Records already present count as
	// duplicates, not errors. A returned error is classified per errors.go.
	BulkUpsert(ctx context.Context, records []RawLogRecord) (BulkResult, error)

	// Scan streams error records matching q to fn in ingestion-timestamp
	// order. Implementations retry transient failures on every continuation
	// step independently; non-retryable errors propagate. fn may return
	// ErrStopScan to end the scan early; it is passed back to the caller.
	Scan(ctx context.Context, q ScanQuery, fn func(ScannedRecord) error) error

	// OptimizeForBulk relaxes durability/maintenance settings for a bulk
	// phase. RestoreSettings must be called on every exit path.
	OptimizeForBulk(ctx context.Context) error
	RestoreSettings(ctx context.Context) error
}

// GroupStore is the external group collaborator. ApplyDeltas is the single
// mutation primitive: a commutative, idempotent merge-with-upsert (see
// GroupRecord.Merge), safe under at-least-once delivery and concurrent
// workers.
type GroupStore interface {
	EnsureSchema(ctx context.Context) error

	// ApplyDeltas merges each delta into its group, creating the group with a
	// PENDING diagnosis when absent. Conflicts are retried a bounded number
	// of times inside the store. Returns how many deltas were applied.
	ApplyDeltas(ctx context.Context, deltas []GroupDelta) (int, error)

	// Get fetches one group by id; the boolean is false when absent.
	Get(ctx context.Context, id string) (GroupRecord, bool, error)

	// Clear removes every group. Operational resets must BackupAnalystState
	// first.
	Clear(ctx context.Context) error

	// BackupAnalystState returns the operator-owned fields of every group
	// with a non-PENDING diagnosis, comments, or audit history.
	BackupAnalystState(ctx context.Context) ([]AnalystState, error)

	// RestoreAnalystState writes backed-up fields onto recomputed groups,
	// matched by signature. Returns the number restored.
	RestoreAnalystState(ctx context.Context, states []AnalystState) (int, error)
}

// RuleStore hands out the full custom-rule collection at aggregation startup.
type RuleStore interface {
	LoadRules(ctx context.Context, limit int) ([]CustomPatternRule, error)
}

// CheckpointStore persists the single aggregation checkpoint. Last writer
// wins; only sequential (unsliced) runs write it.
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint and true, or false when none has
	// been written yet.
	GetCheckpoint(ctx context.Context) (Checkpoint, bool, error)
	UpdateCheckpoint(ctx context.Context, c Checkpoint) error
}

// DeadLetter is a durable overflow for documents that could not be written
// after bounded retries. Payloads are the exact JSON the primary path would
// have sent, one document per entry, so replay is a plain retry.
type DeadLetter interface {
	Append(ctx context.Context, payloads [][]byte) error

	// Replay feeds every stored payload to handler. A handler error stops the
	// replay and propagates.
	Replay(ctx context.Context, handler func(payload []byte) error) error

	// Truncate discards payloads that have been replayed successfully.
	Truncate(ctx context.Context) error
}
