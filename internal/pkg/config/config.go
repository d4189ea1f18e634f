package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	PostgresURL string `env:"POSTGRES_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR"` // optional; dead-letter falls back to disk only
	MetricsAddr string `env:"METRICS_ADDR"`

	// Admission pre-filter applied before any JSON parsing. Lines missing every
	// token are skipped without parsing. A line can carry an error marker the
	// list does not cover (localized levels, unusual casing); that is a known
	// tradeoff of the fast path, so the list stays configurable.
	AdmissionTokens string `env:"ADMISSION_TOKENS" envDefault:"ERROR,exception,FATAL,FAIL"`

	BulkChunkSize  int     `env:"BULK_CHUNK_SIZE" envDefault:"1500"`
	BulkChunkBytes int     `env:"BULK_MAX_CHUNK_BYTES" envDefault:"8388608"` // 8MB
	BulkWorkers    int     `env:"BULK_WORKERS" envDefault:"3"`
	BulkMaxRetries int     `env:"BULK_MAX_RETRIES" envDefault:"3"`
	BulkFlushRate  float64 `env:"BULK_FLUSH_RATE" envDefault:"0"` // flushes/sec, 0 = unlimited
	MaxRetryQueue  int     `env:"MAX_RETRY_QUEUE" envDefault:"50000"`

	ScanPageSize   int           `env:"SCAN_PAGE_SIZE" envDefault:"500"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"120s"`
	ConnectRetries int           `env:"CONNECT_RETRIES" envDefault:"10"`
	ConnectBackoff time.Duration `env:"CONNECT_BACKOFF" envDefault:"5s"`

	DeadLetterDir    string `env:"DEAD_LETTER_DIR" envDefault:"deadletter"`
	DeadLetterStream string `env:"DEAD_LETTER_STREAM" envDefault:"logsmith:deadletter"`
	DeadLetterMaxLen int64  `env:"DEAD_LETTER_MAX_LEN" envDefault:"100000"`
	FailedGroupsDir  string `env:"FAILED_GROUPS_DIR" envDefault:"failed-groups"`
	SegmentSize      int64  `env:"DEAD_LETTER_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	MaxDiskSize      int64  `env:"DEAD_LETTER_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	CustomRuleLimit  int `env:"CUSTOM_RULE_LIMIT" envDefault:"1000"`
	MaxKeywordLength int `env:"MAX_KEYWORD_LENGTH" envDefault:"32000"`
	GroupBatchSize   int `env:"GROUP_BATCH_SIZE" envDefault:"5000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
