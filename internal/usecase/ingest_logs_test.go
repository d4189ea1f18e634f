package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/logsmith/internal/adapter/metrics"
	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.PipelineMetrics {
	return metrics.NewPipelineMetrics(prometheus.NewRegistry())
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const (
	errorLine   = `{"@timestamp":"2025-12-04T11:34:44Z","log":{"level":"ERROR","message":"timeout for case CO-19577","logger_name":"com.pega.rules","exception":{"exception_class":"java.net.SocketTimeoutException","exception_message":"read timed out after 30000 ms","stacktrace":"at com.pegarules.generated.activity.ra_action_opencase_9a1b2c3d4e5f60718293a4b5c6d7e8f9.perform(x.java:1)"}}}`
	warnExcLine = `{"log":{"level":"WARN","message":"odd state","exception":{"exception_class":"x.StateException","exception_message":"odd"}}}`
)

func TestIngestLogsUseCase_IngestFile(t *testing.T) {
	content := strings.Join([]string{
		errorLine,
		`{"log":{"level":"INFO","message":"all good"}}`,  // no admission token
		`{"log": ERROR`,                                  // admitted but malformed
		warnExcLine,                                      // admitted via the exception key
		`{"log":{"level":"DEBUG","message":"ERROR string in message only"}}`, // parsed, not an error
	}, "\n")
	path := writeTempFile(t, "app.log", content)

	store := &mocks.MockRawLogStore{}
	dl := &mocks.MockDeadLetter{}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{Workers: 1})

	report, err := uc.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	if report.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", report.Indexed)
	}
	if report.Ignored != 1 {
		t.Errorf("ignored = %d, want 1", report.Ignored)
	}
	if report.SkippedSafe != 2 {
		t.Errorf("skipped safe = %d, want 2", report.SkippedSafe)
	}
	if report.Failed != 0 || report.Duplicates != 0 {
		t.Errorf("failed = %d, duplicates = %d, want 0/0", report.Failed, report.Duplicates)
	}
	if report.SessionID == "" || report.FileName != "app.log" {
		t.Errorf("report identity: session=%q file=%q", report.SessionID, report.FileName)
	}
	if store.OptimizeCalls != 1 || store.RestoreCalls != 1 {
		t.Errorf("settings toggles: optimize=%d restore=%d", store.OptimizeCalls, store.RestoreCalls)
	}

	if len(store.Upserted) != 2 {
		t.Fatalf("stored records = %d, want 2", len(store.Upserted))
	}
	rec := store.Upserted[0]
	if len(rec.ID) != 32 {
		t.Errorf("record id = %q, want 32-char hash", rec.ID)
	}
	if rec.SessionID != report.SessionID {
		t.Errorf("record session = %q, want %q", rec.SessionID, report.SessionID)
	}
	if rec.NormalizedMessage != "timeout for case [CASE_ID]" {
		t.Errorf("normalized message = %q", rec.NormalizedMessage)
	}
	if rec.SequenceSummary == "" || rec.GeneratedRuleLines != 1 {
		t.Errorf("sequence not extracted: summary=%q rules=%d", rec.SequenceSummary, rec.GeneratedRuleLines)
	}
	if rec.ExceptionClass != "java.net.SocketTimeoutException" {
		t.Errorf("exception class = %q", rec.ExceptionClass)
	}
	if rec.Timestamp.IsZero() || rec.Timestamp.Year() != 2025 {
		t.Errorf("timestamp not taken from line: %v", rec.Timestamp)
	}
	if rec.InputLength == 0 || rec.TotalStackLines != 1 {
		t.Errorf("stack bookkeeping: input_length=%d lines=%d", rec.InputLength, rec.TotalStackLines)
	}
}

func TestIngestFileDeterministicIDs(t *testing.T) {
	path := writeTempFile(t, "app.log", errorLine)

	firstStore := &mocks.MockRawLogStore{}
	uc := NewIngestLogsUseCase(firstStore, &mocks.MockDeadLetter{}, testMetrics(), testLogger(), IngestOptions{Workers: 1})
	if _, err := uc.IngestFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	secondStore := &mocks.MockRawLogStore{
		Duplicates: map[string]bool{firstStore.Upserted[0].ID: true},
	}
	uc2 := NewIngestLogsUseCase(secondStore, &mocks.MockDeadLetter{}, testMetrics(), testLogger(), IngestOptions{Workers: 1})
	report, err := uc2.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	if report.Duplicates != 1 || report.Indexed != 0 {
		t.Errorf("re-ingestion: indexed=%d duplicates=%d, want 0/1", report.Indexed, report.Duplicates)
	}
}

func TestIngestFileRetriesTransientFailures(t *testing.T) {
	path := writeTempFile(t, "app.log", errorLine)

	store := &mocks.MockRawLogStore{UpsertErr: domain.ErrUnavailable, UpsertErrTimes: 1}
	dl := &mocks.MockDeadLetter{}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{Workers: 1})

	report, err := uc.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.Indexed != 1 || report.Failed != 0 {
		t.Errorf("indexed=%d failed=%d, want 1/0", report.Indexed, report.Failed)
	}
	if store.UpsertCalls != 2 {
		t.Errorf("upsert calls = %d, want 2 (initial + retry)", store.UpsertCalls)
	}
	if dl.Len() != 0 {
		t.Errorf("dead letter has %d payloads, want 0", dl.Len())
	}
}

func TestIngestFileExhaustedRetriesDeadLetter(t *testing.T) {
	path := writeTempFile(t, "app.log", errorLine)

	store := &mocks.MockRawLogStore{UpsertErr: domain.ErrUnavailable}
	dl := &mocks.MockDeadLetter{}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{Workers: 1, MaxRetries: 1})

	report, err := uc.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("failed = %d, want 1", report.Failed)
	}
	if dl.Len() != 1 {
		t.Fatalf("dead letter payloads = %d, want 1", dl.Len())
	}

	var parked domain.RawLogRecord
	if err := json.Unmarshal(dl.Payloads[0], &parked); err != nil {
		t.Fatalf("dead-letter payload not a record: %v", err)
	}
	if parked.ID == "" || parked.NormalizedMessage == "" {
		t.Errorf("parked record incomplete: %+v", parked)
	}
}

func TestIngestFilePermanentFailureNotParked(t *testing.T) {
	path := writeTempFile(t, "app.log", errorLine)

	store := &mocks.MockRawLogStore{UpsertErr: errors.New("schema mismatch")}
	dl := &mocks.MockDeadLetter{}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{Workers: 1})

	report, err := uc.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("failed = %d, want 1", report.Failed)
	}
	if dl.Len() != 0 {
		t.Errorf("permanent failures must not be parked, got %d payloads", dl.Len())
	}
	if store.RestoreCalls != 1 {
		t.Errorf("restore calls = %d, want 1 even on failure", store.RestoreCalls)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	rec := domain.RawLogRecord{ID: "abc123", Message: "boom", NormalizedMessage: "boom"}
	payload, _ := json.Marshal(rec)
	dl := &mocks.MockDeadLetter{Payloads: [][]byte{payload, []byte("not json")}}
	store := &mocks.MockRawLogStore{}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{})

	report, err := uc.ReplayDeadLetter(context.Background())
	if err != nil {
		t.Fatalf("ReplayDeadLetter: %v", err)
	}
	if report.Indexed != 1 || report.Ignored != 1 {
		t.Errorf("indexed=%d ignored=%d, want 1/1", report.Indexed, report.Ignored)
	}
	if !dl.Truncated {
		t.Error("dead letter not truncated after clean replay")
	}
	if len(store.Upserted) != 1 || store.Upserted[0].ID != "abc123" {
		t.Errorf("replayed records = %+v", store.Upserted)
	}
}

func TestReplayDeadLetterKeepsPayloadsOnFailure(t *testing.T) {
	payload, _ := json.Marshal(domain.RawLogRecord{ID: "abc123"})
	dl := &mocks.MockDeadLetter{Payloads: [][]byte{payload}}
	store := &mocks.MockRawLogStore{UpsertErr: errors.New("down")}
	uc := NewIngestLogsUseCase(store, dl, testMetrics(), testLogger(), IngestOptions{})

	report, err := uc.ReplayDeadLetter(context.Background())
	if err != nil {
		t.Fatalf("ReplayDeadLetter: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("failed = %d, want 1", report.Failed)
	}
	if dl.Truncated {
		t.Error("dead letter must not be truncated after a failed replay")
	}
}

func TestIngestRetryFile(t *testing.T) {
	rec := domain.RawLogRecord{ID: "abc123", NormalizedMessage: strings.Repeat("x", 40)}
	payload, _ := json.Marshal(rec)
	path := writeTempFile(t, "failed_docs.jsonl", string(payload)+"\n\nnot json\n")

	store := &mocks.MockRawLogStore{}
	uc := NewIngestLogsUseCase(store, &mocks.MockDeadLetter{}, testMetrics(), testLogger(), IngestOptions{MaxKeywordLength: 10})

	report, err := uc.IngestRetryFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestRetryFile: %v", err)
	}
	if report.Indexed != 1 || report.Ignored != 1 {
		t.Errorf("indexed=%d ignored=%d, want 1/1", report.Indexed, report.Ignored)
	}
	if got := store.Upserted[0].NormalizedMessage; len(got) != 10 {
		t.Errorf("normalized message not re-capped: %d chars", len(got))
	}
}

func TestIngestFileParallelChunksShareSession(t *testing.T) {
	path := writeTempFile(t, "app.log", errorLine+"\n"+warnExcLine)

	store := &mocks.MockRawLogStore{}
	uc := NewIngestLogsUseCase(store, &mocks.MockDeadLetter{}, testMetrics(), testLogger(), IngestOptions{Workers: 2, ChunkSize: 1})

	report, err := uc.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", report.Indexed)
	}
	for _, rec := range store.Upserted {
		if rec.SessionID != report.SessionID {
			t.Errorf("record session %q != report session %q", rec.SessionID, report.SessionID)
		}
	}
}
