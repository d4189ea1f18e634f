package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/logsmith/internal/adapter/metrics"
	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/signature"
)

// AggregateOptions tunes one aggregation run.
type AggregateOptions struct {
	// Limit stops the scan after this many records; 0 means unlimited.
	Limit int

	// BatchSize is the number of scanned records buffered between flushes.
	BatchSize int

	// IgnoreCheckpoint scans the full store instead of resuming.
	IgnoreCheckpoint bool

	// SessionID restricts the scan to one ingestion session. A session scan
	// never uses the checkpoint range.
	SessionID string

	// Slice assigns this run one deterministic partition of the scan space.
	// Sliced runs never advance the checkpoint.
	Slice *domain.SliceInfo

	ScanPageSize    int
	CustomRuleLimit int
}

func (o *AggregateOptions) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	if o.CustomRuleLimit <= 0 {
		o.CustomRuleLimit = 1000
	}
}

// AggregateGroupsUseCase folds scanned error records into persistent group
// records. All writes go through the group store's commutative merge, so
// re-running over already-grouped input only grows counts, never corrupts
// state.
type AggregateGroupsUseCase struct {
	raw          domain.RawLogStore
	groups       domain.GroupStore
	rules        domain.RuleStore
	checkpoints  domain.CheckpointStore
	failedGroups domain.DeadLetter
	metrics      *metrics.PipelineMetrics
	logger       *slog.Logger
}

// NewAggregateGroupsUseCase creates a new AggregateGroupsUseCase. failedGroups
// receives the full delta payload of batches the group store rejected.
func NewAggregateGroupsUseCase(raw domain.RawLogStore, groups domain.GroupStore, rules domain.RuleStore, checkpoints domain.CheckpointStore, failedGroups domain.DeadLetter, m *metrics.PipelineMetrics, logger *slog.Logger) *AggregateGroupsUseCase {
	return &AggregateGroupsUseCase{
		raw:          raw,
		groups:       groups,
		rules:        rules,
		checkpoints:  checkpoints,
		failedGroups: failedGroups,
		metrics:      m,
		logger:       logger,
	}
}

// groupAccum is the in-memory aggregate for one group within the current
// batch. The id set is authoritative for the count; the reservoir slices on
// the delta are the capped projections that get persisted.
type groupAccum struct {
	delta  domain.GroupDelta
	idSet  map[string]struct{}
	excSet map[string]struct{}
	msgSet map[string]struct{}
}

// Run executes one aggregation pass.
func (uc *AggregateGroupsUseCase) Run(ctx context.Context, opts AggregateOptions) (domain.AggregateReport, error) {
	opts.withDefaults()
	var report domain.AggregateReport

	if err := uc.groups.EnsureSchema(ctx); err != nil {
		return report, fmt.Errorf("ensure group schema: %w", err)
	}

	var since *time.Time
	var checkpoint domain.Checkpoint
	haveCheckpoint := false
	if uc.checkpoints != nil {
		var err error
		checkpoint, haveCheckpoint, err = uc.checkpoints.GetCheckpoint(ctx)
		if err != nil {
			return report, fmt.Errorf("load checkpoint: %w", err)
		}
	}
	switch {
	case opts.SessionID != "":
		uc.logger.Info("scanning one session, checkpoint range not applied", "session_id", opts.SessionID)
	case opts.IgnoreCheckpoint:
		uc.logger.Info("ignoring checkpoint, processing all records")
	case haveCheckpoint:
		since = &checkpoint.LastProcessedTimestamp
		uc.logger.Info("resuming from checkpoint", "last_processed", checkpoint.LastProcessedTimestamp)
	default:
		uc.logger.Info("no checkpoint found, processing all records")
	}

	compiled := uc.loadRules(ctx, opts.CustomRuleLimit)

	var (
		accums     = make(map[string]*groupAccum)
		accumCount int
		maxSeen    time.Time
		limitHit   bool
	)

	query := domain.ScanQuery{
		Level:     domain.LevelError,
		Since:     since,
		SessionID: opts.SessionID,
		Slice:     opts.Slice,
		PageSize:  opts.ScanPageSize,
	}

	err := uc.raw.Scan(ctx, query, func(rec domain.ScannedRecord) error {
		report.Processed++
		uc.metrics.GroupsScanned.Inc()

		if ts := rec.IngestionTimestamp; ts.After(maxSeen) {
			maxSeen = ts
		}

		uc.accumulate(accums, rec, compiled)
		accumCount++

		if accumCount >= opts.BatchSize {
			uc.flush(ctx, accums, &report)
			accums = make(map[string]*groupAccum)
			accumCount = 0
		}

		if opts.Limit > 0 && report.Processed >= opts.Limit {
			limitHit = true
			return domain.ErrStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrStopScan) {
		// Flush what was accumulated before giving up; scanned work is only
		// lost if the group store is down too.
		uc.flush(ctx, accums, &report)
		return report, fmt.Errorf("scan raw logs: %w", err)
	}

	uc.flush(ctx, accums, &report)

	uc.logger.Info("grouping complete",
		"processed", report.Processed,
		"upserted", report.Upserted,
		"failed", report.Failed,
		"limit_hit", limitHit)

	// Sliced workers share the scan space; none of them has seen all of it,
	// so none may advance the checkpoint.
	if opts.Slice == nil && uc.checkpoints != nil && !maxSeen.IsZero() && maxSeen.After(checkpoint.LastProcessedTimestamp) {
		c := domain.Checkpoint{LastProcessedTimestamp: maxSeen, UpdatedAt: time.Now().UTC()}
		if err := uc.checkpoints.UpdateCheckpoint(ctx, c); err != nil {
			uc.logger.Warn("failed to update checkpoint", "error", err)
		} else {
			uc.logger.Info("checkpoint updated", "last_processed", maxSeen)
		}
	}

	return report, nil
}

func (uc *AggregateGroupsUseCase) loadRules(ctx context.Context, limit int) []signature.CompiledRule {
	if uc.rules == nil {
		return nil
	}
	loaded, err := uc.rules.LoadRules(ctx, limit)
	if err != nil {
		uc.logger.Warn("could not load custom rules, continuing without them", "error", err)
		return nil
	}
	compiled, errs := signature.CompileRules(loaded)
	for _, err := range errs {
		uc.logger.Warn("skipping broken custom rule", "error", err)
	}
	if len(compiled) > 0 {
		uc.logger.Info("custom rules loaded", "count", len(compiled))
	}
	return compiled
}

// accumulate classifies one record and folds it into its group's accumulator.
func (uc *AggregateGroupsUseCase) accumulate(accums map[string]*groupAccum, rec domain.ScannedRecord, rules []signature.CompiledRule) {
	cls := signature.Classify(rec, rules)
	gid := signature.GroupID(cls.Signature)
	ts := rec.IngestionTimestamp

	rep := domain.RepresentativeLog{
		Message:          signature.Normalize(rec.Message),
		ExceptionMessage: signature.Normalize(rec.ExceptionMessage),
		LoggerName:       rec.LoggerName,
		SampleLogID:      rec.ID,
	}

	acc, ok := accums[gid]
	if !ok {
		acc = &groupAccum{
			delta: domain.GroupDelta{
				GroupID:        gid,
				Signature:      cls.Signature,
				Type:           cls.Type,
				FirstSeen:      ts,
				LastSeen:       ts,
				Representative: rep,
			},
			idSet:  make(map[string]struct{}),
			excSet: make(map[string]struct{}),
			msgSet: make(map[string]struct{}),
		}
		accums[gid] = acc
	}

	if _, dup := acc.idSet[rec.ID]; !dup {
		acc.idSet[rec.ID] = struct{}{}
		if len(acc.delta.RawLogIDs) < domain.MaxRawLogIDs {
			acc.delta.RawLogIDs = append(acc.delta.RawLogIDs, rec.ID)
		}
	}

	if !ts.Before(acc.delta.LastSeen) {
		acc.delta.LastSeen = ts
		acc.delta.Representative = rep
	}
	if ts.Before(acc.delta.FirstSeen) {
		acc.delta.FirstSeen = ts
	}

	if normExc := normalizedException(rec); normExc != "" {
		if _, dup := acc.excSet[normExc]; !dup && len(acc.excSet) < domain.MaxSignatures {
			acc.excSet[normExc] = struct{}{}
			acc.delta.ExceptionSignatures = append(acc.delta.ExceptionSignatures, normExc)
		}
	}
	if normMsg := normalizedMessage(rec); normMsg != "" {
		if _, dup := acc.msgSet[normMsg]; !dup && len(acc.msgSet) < domain.MaxSignatures {
			acc.msgSet[normMsg] = struct{}{}
			acc.delta.MessageSignatures = append(acc.delta.MessageSignatures, normMsg)
		}
	}

	if cls.Type == domain.GroupTypeRuleSequence && len(acc.delta.Rules) == 0 {
		if extracted := signature.ExtractRules(cls.Signature); len(extracted) > 0 {
			acc.delta.Rules = extracted
			acc.delta.RuleCount = len(extracted)
		}
	}
}

// flush applies the buffered deltas. A rejected batch is captured in full to
// the failed-groups sink; the run continues with the next batch.
func (uc *AggregateGroupsUseCase) flush(ctx context.Context, accums map[string]*groupAccum, report *domain.AggregateReport) {
	if len(accums) == 0 {
		return
	}

	deltas := make([]domain.GroupDelta, 0, len(accums))
	for _, acc := range accums {
		acc.delta.Count = int64(len(acc.idSet))
		deltas = append(deltas, acc.delta)
	}

	start := time.Now()
	applied, err := uc.groups.ApplyDeltas(ctx, deltas)
	uc.metrics.GroupBatchSeconds.Observe(time.Since(start).Seconds())

	report.Upserted += applied
	uc.metrics.GroupUpsertsTotal.WithLabelValues("applied").Add(float64(applied))

	if err != nil {
		failed := len(deltas) - applied
		if failed < 0 {
			failed = 0
		}
		report.Failed += failed
		uc.metrics.GroupUpsertsTotal.WithLabelValues("failed").Add(float64(failed))
		uc.logger.Error("group batch flush failed", "deltas", len(deltas), "applied", applied, "error", err)
		uc.saveFailedDeltas(ctx, deltas[applied:])
	}
}

func (uc *AggregateGroupsUseCase) saveFailedDeltas(ctx context.Context, deltas []domain.GroupDelta) {
	if uc.failedGroups == nil || len(deltas) == 0 {
		return
	}
	payloads := make([][]byte, 0, len(deltas))
	for _, d := range deltas {
		payload, err := json.Marshal(d)
		if err != nil {
			uc.logger.Error("dropping unserializable delta", "group_id", d.GroupID, "error", err)
			continue
		}
		payloads = append(payloads, payload)
	}
	if err := uc.failedGroups.Append(ctx, payloads); err != nil {
		uc.logger.Error("failed-groups capture failed", "deltas", len(payloads), "error", err)
	}
}

// ReplayFailedGroups re-applies captured delta payloads. The merge contract
// makes a replay after partial success safe.
func (uc *AggregateGroupsUseCase) ReplayFailedGroups(ctx context.Context) (int, error) {
	if uc.failedGroups == nil {
		return 0, nil
	}

	applied := 0
	err := uc.failedGroups.Replay(ctx, func(payload []byte) error {
		var delta domain.GroupDelta
		if err := json.Unmarshal(payload, &delta); err != nil {
			uc.logger.Warn("skipping undecodable failed-group payload", "error", err)
			return nil
		}
		n, err := uc.groups.ApplyDeltas(ctx, []domain.GroupDelta{delta})
		if err != nil {
			return err
		}
		applied += n
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("replay failed groups: %w", err)
	}

	if err := uc.failedGroups.Truncate(ctx); err != nil {
		uc.logger.Warn("could not truncate failed-groups capture", "error", err)
	}
	return applied, nil
}

func normalizedException(rec domain.ScannedRecord) string {
	if rec.NormalizedException != "" {
		return rec.NormalizedException
	}
	return signature.Normalize(rec.ExceptionMessage)
}

func normalizedMessage(rec domain.ScannedRecord) string {
	if rec.NormalizedMessage != "" {
		return rec.NormalizedMessage
	}
	return signature.Normalize(rec.Message)
}
