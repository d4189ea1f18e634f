package usecase

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/V4T54L/logsmith/internal/adapter/metrics"
	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/signature"
	"github.com/V4T54L/logsmith/internal/source"
)

const (
	retryChunkSize      = 500
	initialRetryBackoff = 1 * time.Second
	maxRetryBackoff     = 10 * time.Second
)

// IngestOptions tunes the ingestion pipeline. Zero values take the defaults
// set in withDefaults.
type IngestOptions struct {
	// AdmissionTokens gate the fast pre-filter: a line containing none of
	// them is skipped without JSON parsing. Lines carrying an unconventional
	// error marker are lost to the fast path; the list is configurable for
	// exactly that reason.
	AdmissionTokens []string

	ChunkSize        int
	ChunkBytes       int
	Workers          int
	MaxRetries       int
	MaxRetryQueue    int
	MaxKeywordLength int
	FlushRate        float64 // bulk flushes per second, 0 means unpaced
}

func (o *IngestOptions) withDefaults() {
	if len(o.AdmissionTokens) == 0 {
		o.AdmissionTokens = []string{"ERROR", "exception", "FATAL", "FAIL"}
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1500
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 8 * 1024 * 1024
	}
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxRetryQueue <= 0 {
		o.MaxRetryQueue = 50000
	}
	if o.MaxKeywordLength <= 0 {
		o.MaxKeywordLength = 32000
	}
}

// IngestLogsUseCase drives the file-to-store ingestion pipeline: admission
// filtering, parsing, signature extraction, and bulk writing with bounded
// retries. Documents that exhaust their retries go to the dead letter instead
// of being dropped.
type IngestLogsUseCase struct {
	store      domain.RawLogStore
	deadLetter domain.DeadLetter
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
	opts       IngestOptions
	limiter    *rate.Limiter
}

// NewIngestLogsUseCase creates a new IngestLogsUseCase.
func NewIngestLogsUseCase(store domain.RawLogStore, deadLetter domain.DeadLetter, m *metrics.PipelineMetrics, logger *slog.Logger, opts IngestOptions) *IngestLogsUseCase {
	opts.withDefaults()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.FlushRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.FlushRate), 1)
	}

	return &IngestLogsUseCase{
		store:      store,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		limiter:    limiter,
	}
}

// IngestFile ingests a log file or zip archive. Archive entries are processed
// in order under a single session id and their reports aggregated.
func (uc *IngestLogsUseCase) IngestFile(ctx context.Context, path string) (domain.IngestReport, error) {
	report := domain.IngestReport{SessionID: uuid.NewString()}

	if err := uc.store.EnsureSchema(ctx); err != nil {
		return report, fmt.Errorf("ensure raw-log schema: %w", err)
	}

	err := source.EachEntry(path, func(name string, r io.Reader) error {
		uc.logger.Info("ingesting entry", "file", name, "session_id", report.SessionID)
		entryReport, err := uc.ingestStream(ctx, name, report.SessionID, r)
		report.Merge(entryReport)
		report.FileName = name
		return err
	})
	if err != nil {
		return report, err
	}

	uc.logger.Info("ingestion complete",
		"session_id", report.SessionID,
		"indexed", report.Indexed,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
		"ignored", report.Ignored,
		"skipped_safe", report.SkippedSafe)
	return report, nil
}

// ingestStream runs the pipeline over one line-oriented entry. Bulk writes run
// on a bounded worker pool; the scanner blocks when all workers are busy.
func (uc *IngestLogsUseCase) ingestStream(ctx context.Context, entryName, sessionID string, r io.Reader) (domain.IngestReport, error) {
	report := domain.IngestReport{FileName: entryName}

	if err := uc.store.OptimizeForBulk(ctx); err != nil {
		uc.logger.Warn("could not relax store settings for bulk load", "error", err)
	}
	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := uc.store.RestoreSettings(restoreCtx); err != nil {
			uc.logger.Warn("could not restore store settings", "error", err)
		}
	}()

	var (
		mu         sync.Mutex
		retryQueue []domain.RawLogRecord
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(uc.opts.Workers)

	flush := func(chunk []domain.RawLogRecord) {
		grp.Go(func() error {
			if err := uc.limiter.Wait(grpCtx); err != nil {
				return err
			}

			start := time.Now()
			res, err := uc.store.BulkUpsert(grpCtx, chunk)
			uc.metrics.BulkFlushSeconds.Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				report.Indexed += res.Indexed
				report.Duplicates += res.Duplicates
				uc.metrics.RecordsTotal.WithLabelValues("indexed").Add(float64(res.Indexed))
				uc.metrics.RecordsTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
			case domain.IsRetryable(err):
				uc.logger.Warn("bulk write parked for retry", "records", len(chunk), "error", err)
				uc.parkForRetryLocked(grpCtx, &retryQueue, &report, chunk)
			default:
				report.Failed += len(chunk)
				uc.metrics.RecordsTotal.WithLabelValues("failed").Add(float64(len(chunk)))
				uc.logger.Error("bulk write failed permanently", "records", len(chunk), "error", err)
			}
			return nil
		})
	}

	var (
		chunk       []domain.RawLogRecord
		chunkBytes  int
		lineNumber  int
		ignored     int
		skippedSafe int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), source.MaxLineBytes)

	for sc.Scan() {
		select {
		case <-grpCtx.Done():
			_ = grp.Wait()
			return report, grpCtx.Err()
		default:
		}

		lineNumber++
		uc.metrics.LinesScanned.Inc()

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !uc.admitted(line) {
			skippedSafe++
			continue
		}

		rec, outcome := uc.buildRecord(entryName, sessionID, line, lineNumber)
		switch outcome {
		case lineIgnored:
			ignored++
			continue
		case lineSkippedSafe:
			skippedSafe++
			continue
		}

		chunk = append(chunk, rec)
		chunkBytes += len(line)
		if len(chunk) >= uc.opts.ChunkSize || chunkBytes >= uc.opts.ChunkBytes {
			flush(chunk)
			chunk, chunkBytes = nil, 0
		}
	}
	scanErr := sc.Err()

	if len(chunk) > 0 {
		flush(chunk)
	}
	if err := grp.Wait(); err != nil {
		return report, err
	}
	if scanErr != nil {
		return report, fmt.Errorf("read %s: %w", entryName, scanErr)
	}

	mu.Lock()
	report.Ignored += ignored
	report.SkippedSafe += skippedSafe
	queue := retryQueue
	retryQueue = nil
	mu.Unlock()

	uc.metrics.RecordsTotal.WithLabelValues("ignored").Add(float64(ignored))
	uc.metrics.RecordsTotal.WithLabelValues("skipped_safe").Add(float64(skippedSafe))

	if len(queue) > 0 {
		uc.drainRetryQueue(ctx, queue, &report)
	}
	return report, nil
}

// parkForRetryLocked appends chunk to the bounded retry queue. On overflow the
// whole queue spills to the dead letter and its documents count as failed.
// Caller holds mu.
func (uc *IngestLogsUseCase) parkForRetryLocked(ctx context.Context, queue *[]domain.RawLogRecord, report *domain.IngestReport, chunk []domain.RawLogRecord) {
	for _, rec := range chunk {
		if len(*queue) >= uc.opts.MaxRetryQueue {
			uc.logger.Warn("retry queue full, spilling to dead letter", "records", len(*queue)+1)
			spill := append(*queue, rec)
			*queue = (*queue)[:0]
			report.Failed += uc.sendToDeadLetter(ctx, spill)
			continue
		}
		*queue = append(*queue, rec)
	}
	uc.metrics.RetryQueueDepth.Set(float64(len(*queue)))
}

// drainRetryQueue retries parked documents with exponential backoff. Whatever
// survives every attempt goes to the dead letter.
func (uc *IngestLogsUseCase) drainRetryQueue(ctx context.Context, queue []domain.RawLogRecord, report *domain.IngestReport) {
	backoff := initialRetryBackoff

	for attempt := 1; attempt <= uc.opts.MaxRetries && len(queue) > 0; attempt++ {
		uc.logger.Info("retrying parked documents", "attempt", attempt, "max_attempts", uc.opts.MaxRetries, "records", len(queue))

		var next []domain.RawLogRecord
		for start := 0; start < len(queue); start += retryChunkSize {
			end := start + retryChunkSize
			if end > len(queue) {
				end = len(queue)
			}
			batch := queue[start:end]

			res, err := uc.store.BulkUpsert(ctx, batch)
			switch {
			case err == nil:
				report.Indexed += res.Indexed
				report.Duplicates += res.Duplicates
				uc.metrics.RecordsTotal.WithLabelValues("indexed").Add(float64(res.Indexed))
				uc.metrics.RecordsTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
			case domain.IsRetryable(err):
				next = append(next, batch...)
			default:
				report.Failed += len(batch)
				uc.metrics.RecordsTotal.WithLabelValues("failed").Add(float64(len(batch)))
				uc.logger.Error("retry batch failed permanently", "records", len(batch), "error", err)
			}
		}

		queue = next
		uc.metrics.RetryQueueDepth.Set(float64(len(queue)))

		if len(queue) > 0 && attempt < uc.opts.MaxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				report.Failed += uc.sendToDeadLetter(ctx, queue)
				return
			}
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
	}

	if len(queue) > 0 {
		uc.logger.Warn("documents failed permanently after retries", "records", len(queue))
		report.Failed += uc.sendToDeadLetter(ctx, queue)
		uc.metrics.RetryQueueDepth.Set(0)
	}
}

// sendToDeadLetter serializes records into the dead letter and returns how
// many were handed over. Records that cannot even be serialized are logged and
// counted too; losing them silently is the one unacceptable outcome.
func (uc *IngestLogsUseCase) sendToDeadLetter(ctx context.Context, records []domain.RawLogRecord) int {
	payloads := make([][]byte, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			uc.logger.Error("dropping unserializable record", "id", rec.ID, "error", err)
			continue
		}
		payloads = append(payloads, payload)
	}

	if err := uc.deadLetter.Append(ctx, payloads); err != nil {
		uc.logger.Error("dead letter append failed", "records", len(payloads), "error", err)
	}
	return len(records)
}

type lineOutcome int

const (
	lineAdmitted lineOutcome = iota
	lineIgnored
	lineSkippedSafe
)

// logEnvelope mirrors the source log line shape.
type logEnvelope struct {
	Timestamp string `json:"@timestamp"`
	Log       struct {
		Timestamp  string        `json:"timestamp"`
		Level      string        `json:"level"`
		ThreadName string        `json:"thread_name"`
		Message    string        `json:"message"`
		LoggerName string        `json:"logger_name"`
		SourceHost string        `json:"source_host"`
		Stack      string        `json:"stack"`
		Exception  *logException `json:"exception"`
	} `json:"log"`
}

type logException struct {
	Class      string `json:"exception_class"`
	Message    string `json:"exception_message"`
	Stacktrace string `json:"stacktrace"`
}

// buildRecord parses one admitted line into a raw-log record. Malformed JSON
// is ignored, parsed lines without an error level or exception are safe.
func (uc *IngestLogsUseCase) buildRecord(entryName, sessionID, line string, lineNumber int) (domain.RawLogRecord, lineOutcome) {
	var env logEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return domain.RawLogRecord{}, lineIgnored
	}

	stack := env.Log.Stack
	if env.Log.Exception != nil && env.Log.Exception.Stacktrace != "" {
		stack = env.Log.Exception.Stacktrace
	}

	level := strings.ToUpper(env.Log.Level)
	isError := strings.Contains(level, "ERROR") || strings.Contains(level, "FATAL") || strings.Contains(level, "FAIL")
	hasException := stack != "" || env.Log.Exception != nil
	if !isError && !hasException {
		return domain.RawLogRecord{}, lineSkippedSafe
	}

	ts := parseLogTimestamp(env.Timestamp, env.Log.Timestamp)

	var (
		summary         string
		rulesFound      int
		totalStackLines int
		inputLength     int
	)
	if stack != "" {
		steps := signature.ExtractSequence(stack)
		summary = signature.RenderSequenceSummary(steps)
		rulesFound = len(steps)
		totalStackLines = strings.Count(stack, "\n") + 1
		inputLength = len(stack)
	}

	message := strings.TrimSpace(env.Log.Message)
	var excClass, excMessage string
	if env.Log.Exception != nil {
		excClass = strings.TrimSpace(env.Log.Exception.Class)
		excMessage = strings.TrimSpace(env.Log.Exception.Message)
	}
	if excMessage == "" {
		excMessage = message
	}

	return domain.RawLogRecord{
		ID:         signature.RecordID(entryName, lineNumber, line),
		Timestamp:  ts,
		Level:      env.Log.Level,
		LoggerName: env.Log.LoggerName,
		ThreadName: env.Log.ThreadName,
		SourceHost: env.Log.SourceHost,
		Message:    message,

		ExceptionClass:      excClass,
		ExceptionMessage:    excMessage,
		NormalizedMessage:   signature.Truncate(signature.Normalize(message), uc.opts.MaxKeywordLength),
		NormalizedException: signature.Truncate(signature.Normalize(excMessage), uc.opts.MaxKeywordLength),

		SequenceSummary:    summary,
		GeneratedRuleLines: rulesFound,
		TotalStackLines:    totalStackLines,
		InputLength:        inputLength,

		SessionID:          sessionID,
		IngestionTimestamp: ts,
		FileName:           entryName,
	}, lineAdmitted
}

func (uc *IngestLogsUseCase) admitted(line string) bool {
	for _, token := range uc.opts.AdmissionTokens {
		if strings.Contains(line, token) {
			return true
		}
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseLogTimestamp returns the first parseable candidate, or the current
// time when the line carries none.
func parseLogTimestamp(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, c); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Now().UTC()
}

// decodeParkedRecord rebuilds a raw-log record from a dead-letter payload,
// re-applying the length caps in case the payload predates them. A payload
// without an id gets a content hash of its own bytes.
func decodeParkedRecord(payload []byte, maxKeywordLength int) (domain.RawLogRecord, error) {
	var rec domain.RawLogRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, err
	}

	rec.NormalizedMessage = signature.Truncate(rec.NormalizedMessage, maxKeywordLength)
	rec.NormalizedException = signature.Truncate(rec.NormalizedException, maxKeywordLength)

	if rec.ID == "" {
		sum := md5.Sum(payload)
		rec.ID = hex.EncodeToString(sum[:])
	}
	return rec, nil
}

// ReplayDeadLetter re-sends every parked document. The dead letter is only
// truncated after a replay with no failures.
func (uc *IngestLogsUseCase) ReplayDeadLetter(ctx context.Context) (domain.IngestReport, error) {
	report := domain.IngestReport{SessionID: uuid.NewString()}

	if err := uc.store.EnsureSchema(ctx); err != nil {
		return report, fmt.Errorf("ensure raw-log schema: %w", err)
	}

	var chunk []domain.RawLogRecord
	err := uc.deadLetter.Replay(ctx, func(payload []byte) error {
		rec, err := decodeParkedRecord(payload, uc.opts.MaxKeywordLength)
		if err != nil {
			uc.logger.Warn("skipping undecodable dead-letter payload", "error", err)
			report.Ignored++
			return nil
		}
		chunk = append(chunk, rec)
		if len(chunk) >= retryChunkSize {
			uc.writeChunkWithRetry(ctx, chunk, &report)
			chunk = nil
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("replay dead letter: %w", err)
	}
	if len(chunk) > 0 {
		uc.writeChunkWithRetry(ctx, chunk, &report)
	}

	if report.Failed == 0 {
		if err := uc.deadLetter.Truncate(ctx); err != nil {
			uc.logger.Warn("could not truncate dead letter after replay", "error", err)
		}
	}

	uc.logger.Info("dead letter replay complete",
		"indexed", report.Indexed, "duplicates", report.Duplicates,
		"failed", report.Failed, "ignored", report.Ignored)
	return report, nil
}

// IngestRetryFile re-sends documents from an exported NDJSON file, typically a
// dead-letter segment copied off the host.
func (uc *IngestLogsUseCase) IngestRetryFile(ctx context.Context, path string) (domain.IngestReport, error) {
	report := domain.IngestReport{SessionID: uuid.NewString(), FileName: path}

	if err := uc.store.EnsureSchema(ctx); err != nil {
		return report, fmt.Errorf("ensure raw-log schema: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return report, fmt.Errorf("open retry file: %w", err)
	}
	defer f.Close()

	var chunk []domain.RawLogRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), source.MaxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := decodeParkedRecord([]byte(line), uc.opts.MaxKeywordLength)
		if err != nil {
			report.Ignored++
			continue
		}
		chunk = append(chunk, rec)
		if len(chunk) >= retryChunkSize {
			uc.writeChunkWithRetry(ctx, chunk, &report)
			chunk = nil
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("read retry file: %w", err)
	}
	if len(chunk) > 0 {
		uc.writeChunkWithRetry(ctx, chunk, &report)
	}
	return report, nil
}

// writeChunkWithRetry is the sequential write path used by the replay entry
// points: bounded attempts with exponential backoff, then the chunk counts as
// failed.
func (uc *IngestLogsUseCase) writeChunkWithRetry(ctx context.Context, chunk []domain.RawLogRecord, report *domain.IngestReport) {
	backoff := initialRetryBackoff

	for attempt := 1; ; attempt++ {
		res, err := uc.store.BulkUpsert(ctx, chunk)
		if err == nil {
			report.Indexed += res.Indexed
			report.Duplicates += res.Duplicates
			return
		}
		if !domain.IsRetryable(err) || attempt >= uc.opts.MaxRetries {
			report.Failed += len(chunk)
			uc.logger.Error("replay batch failed", "records", len(chunk), "attempts", attempt, "error", err)
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			report.Failed += len(chunk)
			return
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}
