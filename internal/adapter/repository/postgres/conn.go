// Package postgres implements the raw-log, group, rule, and checkpoint stores
// on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Connect opens a connection pool and verifies it with bounded retries. The
// stores this package implements are useless without a database, so startup
// fails hard once the attempts run out.
func Connect(ctx context.Context, url string, retries int, backoff time.Duration, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if retries < 1 {
		retries = 1
	}

	var pingErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			return db, nil
		}
		logger.Warn("postgres not reachable yet", "attempt", attempt, "max_attempts", retries, "error", pingErr)

		if attempt < retries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			}
		}
	}

	db.Close()
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", retries, pingErr)
}
