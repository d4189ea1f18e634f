// Package redis provides a Redis Stream dead-letter queue with a local disk
// fallback for when Redis itself is down.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/logsmith/internal/domain"
)

const (
	destStream = "stream"
	destDisk   = "disk"
)

// DeadLetterStream implements domain.DeadLetter on a Redis Stream. When Redis
// is unreachable, payloads divert to a disk fallback and flow back to the
// stream once connectivity recovers.
type DeadLetterStream struct {
	client      *redis.Client
	logger      *slog.Logger
	fallback    domain.DeadLetter
	streamKey   string
	maxLen      int64
	deadLetters *prometheus.CounterVec
	isAvailable atomic.Bool
}

// NewDeadLetterStream creates a stream-backed dead letter. The fallback is
// optional; pass nil to fail hard when Redis is down. deadLetters counts
// appended payloads by destination and may be nil.
func NewDeadLetterStream(client *redis.Client, streamKey string, maxLen int64, fallback domain.DeadLetter, deadLetters *prometheus.CounterVec, logger *slog.Logger) *DeadLetterStream {
	s := &DeadLetterStream{
		client:      client,
		logger:      logger.With("component", "dead_letter_stream"),
		fallback:    fallback,
		streamKey:   streamKey,
		maxLen:      maxLen,
		deadLetters: deadLetters,
	}
	s.isAvailable.Store(true)

	if err := client.Ping(context.Background()).Err(); err != nil {
		s.isAvailable.Store(false)
		s.logger.Error("Redis may be unavailable on startup", "error", err)
	}

	return s
}

// StartHealthCheck monitors Redis connectivity and drains the disk fallback
// into the stream when the connection recovers. It blocks until ctx is done.
func (s *DeadLetterStream) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if s.fallback == nil {
		s.logger.Info("No disk fallback configured, skipping health check")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting Redis health check and fallback replayer")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			err := s.client.Ping(ctx).Err()
			if err != nil {
				if s.isAvailable.CompareAndSwap(true, false) {
					s.logger.Error("Redis connection lost", "error", err)
				}
			} else {
				if s.isAvailable.CompareAndSwap(false, true) {
					s.logger.Info("Redis connection recovered")
					if err := s.drainFallback(ctx); err != nil {
						s.logger.Error("Failed to drain disk fallback after recovery", "error", err)
						s.isAvailable.Store(false)
					}
				}
			}
		}
	}
}

// drainFallback moves every disk payload onto the stream and truncates the
// disk log on success.
func (s *DeadLetterStream) drainFallback(ctx context.Context) error {
	s.logger.Info("Draining disk fallback into Redis stream")

	err := s.fallback.Replay(ctx, func(payload []byte) error {
		return s.addToStream(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("fallback replay failed: %w", err)
	}

	if err := s.fallback.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate fallback after replay: %w", err)
	}

	s.logger.Info("Disk fallback drained")
	return nil
}

// Append adds payloads to the stream, diverting to the disk fallback when
// Redis is unavailable.
func (s *DeadLetterStream) Append(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}

	if !s.isAvailable.Load() {
		return s.appendFallback(ctx, payloads, nil)
	}

	pipe := s.client.Pipeline()
	for _, payload := range payloads {
		pipe.XAdd(ctx, s.xAddArgs(payload))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if isNetworkError(err) {
			if s.isAvailable.CompareAndSwap(true, false) {
				s.logger.Error("Redis connection lost during dead-letter append", "error", err)
			}
			return s.appendFallback(ctx, payloads, err)
		}
		return fmt.Errorf("failed to append to dead-letter stream: %w", err)
	}

	s.count(destStream, len(payloads))
	return nil
}

func (s *DeadLetterStream) appendFallback(ctx context.Context, payloads [][]byte, cause error) error {
	if s.fallback == nil {
		if cause != nil {
			return fmt.Errorf("redis became unavailable and no disk fallback is configured: %w", cause)
		}
		return errors.New("redis is unavailable and no disk fallback is configured")
	}
	s.logger.Warn("Redis unavailable, writing dead letters to disk", "count", len(payloads))
	if err := s.fallback.Append(ctx, payloads); err != nil {
		return err
	}
	s.count(destDisk, len(payloads))
	return nil
}

func (s *DeadLetterStream) addToStream(ctx context.Context, payload []byte) error {
	if err := s.client.XAdd(ctx, s.xAddArgs(payload)).Err(); err != nil {
		return fmt.Errorf("failed to XADD to dead-letter stream: %w", err)
	}
	return nil
}

func (s *DeadLetterStream) xAddArgs(payload []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream:     s.streamKey,
		MaxLen:     s.maxLen,
		Approx:     true,
		Values:     map[string]interface{}{"payload": payload, "failed_at": time.Now().UTC().Format(time.RFC3339)},
		NoMkStream: false,
	}
}

// Replay feeds disk-fallback payloads first (oldest failures), then every
// stream entry, to handler.
func (s *DeadLetterStream) Replay(ctx context.Context, handler func(payload []byte) error) error {
	if s.fallback != nil {
		if err := s.fallback.Replay(ctx, handler); err != nil {
			return err
		}
	}

	var lastID = "-"
	for {
		messages, err := s.client.XRangeN(ctx, s.streamKey, lastID, "+", 500).Result()
		if err != nil {
			return fmt.Errorf("failed to XRANGE dead-letter stream: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}

		for _, msg := range messages {
			if msg.ID == lastID {
				continue
			}
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				s.logger.Warn("Invalid message format in dead-letter stream, skipping", "message_id", msg.ID)
				continue
			}
			if err := handler([]byte(payload)); err != nil {
				return err
			}
		}

		if len(messages) < 500 {
			return nil
		}
		lastID = messages[len(messages)-1].ID
	}
}

// Truncate drops the stream and the disk fallback.
func (s *DeadLetterStream) Truncate(ctx context.Context) error {
	if err := s.client.Del(ctx, s.streamKey).Err(); err != nil && !isNetworkError(err) {
		return fmt.Errorf("failed to delete dead-letter stream: %w", err)
	}
	if s.fallback != nil {
		return s.fallback.Truncate(ctx)
	}
	return nil
}

func (s *DeadLetterStream) count(destination string, n int) {
	if s.deadLetters == nil {
		return
	}
	s.deadLetters.WithLabelValues(destination).Add(float64(n))
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
