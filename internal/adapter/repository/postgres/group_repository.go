package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/V4T54L/logsmith/internal/domain"
)

const groupsSchema = `
CREATE TABLE IF NOT EXISTS groups (
	id                   TEXT PRIMARY KEY,
	group_signature      TEXT NOT NULL,
	group_type           TEXT NOT NULL,
	count                BIGINT NOT NULL DEFAULT 0,
	first_seen           TIMESTAMPTZ,
	last_seen            TIMESTAMPTZ,
	raw_log_ids          TEXT[] NOT NULL DEFAULT '{}',
	exception_signatures TEXT[] NOT NULL DEFAULT '{}',
	message_signatures   TEXT[] NOT NULL DEFAULT '{}',
	representative_log   JSONB NOT NULL DEFAULT '{}',
	rules                JSONB,
	rule_count           INT NOT NULL DEFAULT 0,
	diagnosis            JSONB,
	comments             TEXT NOT NULL DEFAULT '',
	audit_history        JSONB
);
CREATE INDEX IF NOT EXISTS groups_signature_idx ON groups (group_signature);
`

const groupConflictRetries = 3

// GroupRepository implements domain.GroupStore on PostgreSQL. Each delta is
// applied in its own transaction: lock the row, merge in Go, write back. The
// merge semantics live in domain.GroupRecord.Merge so every store backend
// converges identically.
type GroupRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewGroupRepository(db *sql.DB, logger *slog.Logger) *GroupRepository {
	return &GroupRepository{db: db, logger: logger}
}

func (r *GroupRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, groupsSchema); err != nil {
		return fmt.Errorf("create groups schema: %w", classify(err))
	}
	return nil
}

// ApplyDeltas merges deltas in order and returns how many were applied. On
// the first delta that cannot be applied after bounded conflict retries it
// stops and returns that count with the error, so the caller can dead-letter
// the remainder.
func (r *GroupRepository) ApplyDeltas(ctx context.Context, deltas []domain.GroupDelta) (int, error) {
	for i, d := range deltas {
		if err := r.applyDelta(ctx, d); err != nil {
			return i, err
		}
	}
	return len(deltas), nil
}

func (r *GroupRepository) applyDelta(ctx context.Context, d domain.GroupDelta) error {
	var lastErr error
	for attempt := 0; attempt <= groupConflictRetries; attempt++ {
		err := r.applyDeltaOnce(ctx, d)
		if err == nil {
			return nil
		}
		lastErr = err
		// A serialization failure or an insert race on the same group id is
		// resolved by rereading the row, so try again.
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		r.logger.Debug("group delta conflict, retrying", "group_id", d.GroupID, "attempt", attempt+1)
	}
	return fmt.Errorf("apply delta for group %s: %w", d.GroupID, lastErr)
}

func (r *GroupRepository) applyDeltaOnce(ctx context.Context, d domain.GroupDelta) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer txn.Rollback()

	group, found, err := r.lockGroup(ctx, txn, d.GroupID)
	if err != nil {
		return err
	}

	if !found {
		group = domain.NewGroupRecord(d)
		if err := r.insertGroup(ctx, txn, group); err != nil {
			return err
		}
	} else {
		group.Merge(d)
		if err := r.updateGroup(ctx, txn, group); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (r *GroupRepository) lockGroup(ctx context.Context, txn *sql.Tx, id string) (domain.GroupRecord, bool, error) {
	row := txn.QueryRowContext(ctx, `
		SELECT id, group_signature, group_type, count, first_seen, last_seen,
		       raw_log_ids, exception_signatures, message_signatures,
		       representative_log, rules, rule_count,
		       diagnosis, comments, audit_history
		FROM groups WHERE id = $1
		FOR UPDATE;
	`, id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupRecord{}, false, nil
	}
	if err != nil {
		return domain.GroupRecord{}, false, classify(err)
	}
	return group, true, nil
}

func (r *GroupRepository) insertGroup(ctx context.Context, txn *sql.Tx, g domain.GroupRecord) error {
	repJSON, rulesJSON, err := marshalGroupJSON(g)
	if err != nil {
		return err
	}
	_, err = txn.ExecContext(ctx, `
		INSERT INTO groups (
			id, group_signature, group_type, count, first_seen, last_seen,
			raw_log_ids, exception_signatures, message_signatures,
			representative_log, rules, rule_count, diagnosis, comments, audit_history
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);
	`,
		g.ID, g.Signature, g.Type, g.Count, g.FirstSeen, g.LastSeen,
		pq.Array(g.RawLogIDs), pq.Array(g.ExceptionSignatures), pq.Array(g.MessageSignatures),
		repJSON, rulesJSON, g.RuleCount,
		nullableJSON(g.Diagnosis), g.Comments, nullableJSON(g.AuditHistory),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (r *GroupRepository) updateGroup(ctx context.Context, txn *sql.Tx, g domain.GroupRecord) error {
	repJSON, rulesJSON, err := marshalGroupJSON(g)
	if err != nil {
		return err
	}
	// Analyst-owned columns (diagnosis, comments, audit_history) are left
	// untouched on merge.
	_, err = txn.ExecContext(ctx, `
		UPDATE groups SET
			count = $2, first_seen = $3, last_seen = $4,
			raw_log_ids = $5, exception_signatures = $6, message_signatures = $7,
			representative_log = $8, rules = $9, rule_count = $10
		WHERE id = $1;
	`,
		g.ID, g.Count, g.FirstSeen, g.LastSeen,
		pq.Array(g.RawLogIDs), pq.Array(g.ExceptionSignatures), pq.Array(g.MessageSignatures),
		repJSON, rulesJSON, g.RuleCount,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (r *GroupRepository) Get(ctx context.Context, id string) (domain.GroupRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, group_signature, group_type, count, first_seen, last_seen,
		       raw_log_ids, exception_signatures, message_signatures,
		       representative_log, rules, rule_count,
		       diagnosis, comments, audit_history
		FROM groups WHERE id = $1;
	`, id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupRecord{}, false, nil
	}
	if err != nil {
		return domain.GroupRecord{}, false, classify(err)
	}
	return group, true, nil
}

func (r *GroupRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE groups;`); err != nil {
		return classify(err)
	}
	return nil
}

// BackupAnalystState captures every group an operator has touched: a
// non-PENDING diagnosis, comments, or audit history.
func (r *GroupRepository) BackupAnalystState(ctx context.Context) ([]domain.AnalystState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_signature, diagnosis, comments, audit_history
		FROM groups
		WHERE diagnosis->>'status' IS DISTINCT FROM $1
		   OR comments <> ''
		   OR audit_history IS NOT NULL;
	`, domain.StatusPending)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var states []domain.AnalystState
	for rows.Next() {
		var s domain.AnalystState
		var diagnosis, audit []byte
		if err := rows.Scan(&s.Signature, &diagnosis, &s.Comments, &audit); err != nil {
			return nil, classify(err)
		}
		s.Diagnosis = json.RawMessage(diagnosis)
		s.AuditHistory = json.RawMessage(audit)
		states = append(states, s)
	}
	return states, rows.Err()
}

// RestoreAnalystState matches by signature because group ids are recomputed
// signatures; a backup taken before a reclassification change still lands on
// any group whose signature survived it.
func (r *GroupRepository) RestoreAnalystState(ctx context.Context, states []domain.AnalystState) (int, error) {
	restored := 0
	for _, s := range states {
		res, err := r.db.ExecContext(ctx, `
			UPDATE groups SET diagnosis = $2, comments = $3, audit_history = $4
			WHERE group_signature = $1;
		`, s.Signature, nullableJSON(s.Diagnosis), s.Comments, nullableJSON(s.AuditHistory))
		if err != nil {
			return restored, classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return restored, classify(err)
		}
		if n > 0 {
			restored++
		}
	}
	return restored, nil
}

func scanGroup(row *sql.Row) (domain.GroupRecord, error) {
	var g domain.GroupRecord
	var firstSeen, lastSeen sql.NullTime
	var repJSON, rulesJSON, diagnosis, audit []byte

	err := row.Scan(
		&g.ID, &g.Signature, &g.Type, &g.Count, &firstSeen, &lastSeen,
		pq.Array(&g.RawLogIDs), pq.Array(&g.ExceptionSignatures), pq.Array(&g.MessageSignatures),
		&repJSON, &rulesJSON, &g.RuleCount,
		&diagnosis, &g.Comments, &audit,
	)
	if err != nil {
		return domain.GroupRecord{}, err
	}

	if firstSeen.Valid {
		g.FirstSeen = firstSeen.Time
	}
	if lastSeen.Valid {
		g.LastSeen = lastSeen.Time
	}
	if len(repJSON) > 0 {
		if err := json.Unmarshal(repJSON, &g.Representative); err != nil {
			return domain.GroupRecord{}, fmt.Errorf("decode representative log: %w", err)
		}
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &g.Rules); err != nil {
			return domain.GroupRecord{}, fmt.Errorf("decode rules: %w", err)
		}
	}
	g.Diagnosis = json.RawMessage(diagnosis)
	g.AuditHistory = json.RawMessage(audit)
	return g, nil
}

func marshalGroupJSON(g domain.GroupRecord) (rep, rules []byte, err error) {
	rep, err = json.Marshal(g.Representative)
	if err != nil {
		return nil, nil, fmt.Errorf("encode representative log: %w", err)
	}
	if len(g.Rules) > 0 {
		rules, err = json.Marshal(g.Rules)
		if err != nil {
			return nil, nil, fmt.Errorf("encode rules: %w", err)
		}
	}
	return rep, rules, nil
}

// nullableJSON maps an empty RawMessage to SQL NULL so JSONB columns never
// hold an empty string, which Postgres rejects.
func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
