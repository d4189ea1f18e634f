package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/V4T54L/logsmith/internal/domain"
)

// classify maps a driver error onto the domain error taxonomy so callers can
// pick between retrying, counting a duplicate, and giving up.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		case "57014": // query_canceled (statement_timeout)
			return fmt.Errorf("%w: %v", domain.ErrThrottled, err)
		}
		switch pqErr.Code.Class() {
		case "08": // connection exceptions
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		case "53": // insufficient resources
			return fmt.Errorf("%w: %v", domain.ErrThrottled, err)
		case "57": // operator intervention (shutdown, crash recovery)
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}
