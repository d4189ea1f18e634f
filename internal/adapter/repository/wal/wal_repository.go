// Package wal is a file-backed dead-letter store. Payloads are appended to
// newline-delimited segment files, so the on-disk format doubles as a retry
// file an operator can inspect or feed back through ingestion by hand.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0644

	// maxPayloadBytes bounds a single replayed line; payloads are capped
	// documents well under this.
	maxPayloadBytes = 32 * 1024 * 1024
)

// DeadLetterLog implements domain.DeadLetter on local disk with size-bounded,
// rotating segment files.
type DeadLetterLog struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
}

// NewDeadLetterLog opens (or creates) the dead-letter directory and resumes
// the latest segment.
func NewDeadLetterLog(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*DeadLetterLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory %s: %w", dir, err)
	}

	w := &DeadLetterLog{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "dead_letter_log"),
	}

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// Append writes each payload as one line of the current segment.
func (w *DeadLetterLog) Append(ctx context.Context, payloads [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.appendOne(payload); err != nil {
			return err
		}
	}

	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync dead-letter segment", "error", err)
		}
	}
	return nil
}

func (w *DeadLetterLog) appendOne(payload []byte) error {
	// Payloads are single-line JSON; an embedded newline would corrupt the
	// segment framing.
	if bytes.ContainsRune(payload, '\n') {
		return fmt.Errorf("payload contains newline, refusing to append")
	}
	data := append(append(make([]byte, 0, len(payload)+1), payload...), '\n')

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	totalSize, err := w.calculateTotalSize()
	if err != nil {
		w.logger.Error("Failed to calculate total dead-letter size", "error", err)
		return fmt.Errorf("could not verify dead-letter disk space: %w", err)
	}
	if totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("dead-letter max total size exceeded (%d > %d)", totalSize, w.maxTotalSize)
	}

	n, err := w.currentSegment.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to dead-letter segment: %w", err)
	}
	w.currentSize += int64(n)

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate dead-letter segment", "error", err)
		}
	}

	return nil
}

// Replay reads every segment oldest-first and hands each payload to handler.
// A handler error stops the replay; nothing is deleted until Truncate.
func (w *DeadLetterLog) Replay(ctx context.Context, handler func(payload []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		w.logger.Info("Dead-letter log is empty, nothing to replay")
		return nil
	}
	w.logger.Info("Starting dead-letter replay", "segment_count", len(segments))

	for _, segmentPath := range segments {
		if err := w.replaySegment(ctx, segmentPath, handler); err != nil {
			return err
		}
	}

	w.logger.Info("Dead-letter replay completed")
	return nil
}

func (w *DeadLetterLog) replaySegment(ctx context.Context, path string, handler func(payload []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxPayloadBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		if err := handler(payload); err != nil {
			w.logger.Error("Dead-letter replay handler failed, stopping replay", "error", err)
			return fmt.Errorf("replay handler failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return nil
}

// Truncate removes every segment and opens a fresh one.
func (w *DeadLetterLog) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	for _, segmentPath := range segments {
		if err := os.Remove(segmentPath); err != nil {
			w.logger.Error("Failed to remove dead-letter segment", "path", segmentPath, "error", err)
		}
	}

	w.logger.Info("Dead-letter log truncated")
	return w.openLatestSegment()
}

func (w *DeadLetterLog) rotate() error {
	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync dead-letter segment before rotating", "error", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close dead-letter segment before rotating", "error", err)
		}
		w.currentSegment = nil
	}

	segmentName := fmt.Sprintf("%s%d.jsonl", segmentPrefix, time.Now().UnixNano())
	path := filepath.Join(w.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new dead-letter segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Info("Rotated to new dead-letter segment", "path", path)
	return nil
}

func (w *DeadLetterLog) openLatestSegment() error {
	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		return w.rotate()
	}

	latestSegmentPath := segments[len(segments)-1]
	stat, err := os.Stat(latestSegmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latestSegmentPath, err)
	}

	f, err := os.OpenFile(latestSegmentPath, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latestSegmentPath, err)
	}

	w.currentSegment = f
	w.currentSize = stat.Size()
	w.logger.Info("Opened existing dead-letter segment", "path", latestSegmentPath, "size", w.currentSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}

	return nil
}

func (w *DeadLetterLog) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (w *DeadLetterLog) calculateTotalSize() (int64, error) {
	var totalSize int64
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			info, err := entry.Info()
			if err != nil {
				return 0, err
			}
			totalSize += info.Size()
		}
	}
	return totalSize, nil
}

// Close ensures the current segment is closed gracefully.
func (w *DeadLetterLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment != nil {
		return w.currentSegment.Close()
	}
	return nil
}
