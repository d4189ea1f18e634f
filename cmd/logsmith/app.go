package main

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/V4T54L/logsmith/internal/adapter/metrics"
	"github.com/V4T54L/logsmith/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/logsmith/internal/adapter/repository/redis"
	"github.com/V4T54L/logsmith/internal/adapter/repository/wal"
	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/pkg/config"
	"github.com/V4T54L/logsmith/internal/pkg/logger"
	"github.com/V4T54L/logsmith/internal/usecase"
)

// app wires configuration, storage adapters and metrics for one command
// invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.PipelineMetrics

	db          *sql.DB
	rawLogs     *postgres.RawLogRepository
	groups      *postgres.GroupRepository
	rules       *postgres.RuleRepository
	checkpoints *postgres.CheckpointRepository

	deadLetter   domain.DeadLetter
	failedGroups domain.DeadLetter

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)

	a := &app{cfg: cfg, logger: log, metrics: m}

	stopMetrics := serveMetrics(cfg, reg, log)
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopMetrics(shutdownCtx)
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	db, err := postgres.Connect(connectCtx, cfg.PostgresURL, cfg.ConnectRetries, cfg.ConnectBackoff, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })

	a.rawLogs = postgres.NewRawLogRepository(db, log, cfg.ScanPageSize)
	a.groups = postgres.NewGroupRepository(db, log)
	a.rules = postgres.NewRuleRepository(db, log)
	a.checkpoints = postgres.NewCheckpointRepository(db, log)

	diskLog, err := wal.NewDeadLetterLog(cfg.DeadLetterDir, cfg.SegmentSize, cfg.MaxDiskSize, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { diskLog.Close() })
	a.deadLetter = diskLog

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { client.Close() })

		stream := redisrepo.NewDeadLetterStream(client, cfg.DeadLetterStream, cfg.DeadLetterMaxLen, diskLog, m.DeadLetteredTotal, log)
		go stream.StartHealthCheck(ctx, 5*time.Second)
		a.deadLetter = stream
	}

	failedGroups, err := wal.NewDeadLetterLog(cfg.FailedGroupsDir, cfg.SegmentSize, cfg.MaxDiskSize, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { failedGroups.Close() })
	a.failedGroups = failedGroups

	return a, nil
}

// Close releases app resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) ingestUseCase() *usecase.IngestLogsUseCase {
	opts := usecase.IngestOptions{
		AdmissionTokens:  splitTokens(a.cfg.AdmissionTokens),
		ChunkSize:        a.cfg.BulkChunkSize,
		ChunkBytes:       a.cfg.BulkChunkBytes,
		Workers:          a.cfg.BulkWorkers,
		MaxRetries:       a.cfg.BulkMaxRetries,
		MaxRetryQueue:    a.cfg.MaxRetryQueue,
		MaxKeywordLength: a.cfg.MaxKeywordLength,
		FlushRate:        a.cfg.BulkFlushRate,
	}
	return usecase.NewIngestLogsUseCase(a.rawLogs, a.deadLetter, a.metrics, a.logger, opts)
}

func (a *app) aggregateUseCase() *usecase.AggregateGroupsUseCase {
	return usecase.NewAggregateGroupsUseCase(a.rawLogs, a.groups, a.rules, a.checkpoints, a.failedGroups, a.metrics, a.logger)
}

func (a *app) maintainUseCase() *usecase.MaintainGroupsUseCase {
	return usecase.NewMaintainGroupsUseCase(a.groups, a.logger)
}

func splitTokens(s string) []string {
	var tokens []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}
