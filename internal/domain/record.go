package domain

import (
	"time"
)

// RawLogRecord is the canonical form of one ingested error log line. Its ID is
// a content hash of (file name, line number, raw line bytes), so re-ingesting
// identical input resolves to the same document. Records are written once and
// never mutated afterwards.
type RawLogRecord struct {
	ID string `json:"id"`

	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level,omitempty"`
	LoggerName string    `json:"logger_name,omitempty"`
	ThreadName string    `json:"thread_name,omitempty"`
	SourceHost string    `json:"source_host,omitempty"`
	Message    string    `json:"message,omitempty"`

	ExceptionClass      string `json:"exception_class,omitempty"`
	ExceptionMessage    string `json:"exception_message,omitempty"`
	NormalizedMessage   string `json:"normalized_message,omitempty"`
	NormalizedException string `json:"normalized_exception_message,omitempty"`

	// SequenceSummary is the flattened stack sequence:
	// "<order>:<type>-><rule>-><function>-><class>" frames joined by " | ".
	SequenceSummary    string `json:"sequence_summary,omitempty"`
	GeneratedRuleLines int    `json:"generated_rule_lines_found"`
	TotalStackLines    int    `json:"total_lines_in_stack"`
	InputLength        int    `json:"input_length"`

	SessionID          string    `json:"session_id"`
	IngestionTimestamp time.Time `json:"ingestion_timestamp"`
	FileName           string    `json:"file_name"`
}

// LevelError is the level the grouping scan restricts itself to. Exception
// rows at other levels are stored for forensics but never grouped.
const LevelError = "ERROR"

// ScannedRecord is the field subset the aggregator reads back from the raw-log
// store. Keeping the scan payload narrow matters at volume.
type ScannedRecord struct {
	ID                  string
	Level               string
	SequenceSummary     string
	ExceptionMessage    string
	NormalizedException string
	Message             string
	NormalizedMessage   string
	LoggerName          string
	IngestionTimestamp  time.Time
}

// SliceInfo identifies one deterministic partition of the scan space for a
// parallel aggregation worker.
type SliceInfo struct {
	ID  int
	Max int
}

// ScanQuery selects error records from the raw-log store.
type ScanQuery struct {
	Level     string     // exact level match, empty scans every level
	Since     *time.Time // exclusive lower bound on ingestion timestamp
	SessionID string
	Slice     *SliceInfo
	PageSize  int
}

// CustomPatternRule is an externally authored classification rule, consulted
// before every built-in classifier.
type CustomPatternRule struct {
	Name      string `json:"name"`
	Pattern   string `json:"pattern"`
	GroupType string `json:"group_type"`
}

// Checkpoint records the highest source timestamp a sequential aggregation run
// has fully processed.
type Checkpoint struct {
	LastProcessedTimestamp time.Time `json:"last_processed_timestamp"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// IngestReport summarizes one ingestion run so operators can tell "nothing to
// do" apart from "silently failing".
type IngestReport struct {
	SessionID   string `json:"session_id"`
	Indexed     int    `json:"total_indexed"`
	Failed      int    `json:"failed"`
	Duplicates  int    `json:"duplicates_skipped"`
	Ignored     int    `json:"ignored"`
	SkippedSafe int    `json:"skipped_safe_logs"`
	FileName    string `json:"file_name"`
}

// Merge adds the counts of another report, used when a zip archive spans
// several inner files.
func (r *IngestReport) Merge(other IngestReport) {
	r.Indexed += other.Indexed
	r.Failed += other.Failed
	r.Duplicates += other.Duplicates
	r.Ignored += other.Ignored
	r.SkippedSafe += other.SkippedSafe
}

// AggregateReport summarizes one aggregation run.
type AggregateReport struct {
	Processed int `json:"processed"`
	Upserted  int `json:"upserted"`
	Failed    int `json:"failed"`
}
