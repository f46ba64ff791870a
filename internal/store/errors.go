package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agilityfleet/conectl/internal/metrics"
)

var (
	// ErrAlreadyExists signals a UNIQUE constraint collision. Idempotent
	// callers (segment pre-creation) treat it as success.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrNotFound signals a lookup miss.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition signals a lifecycle move the schema forbids,
	// e.g. starting a run that is no longer queued.
	ErrInvalidTransition = errors.New("store: invalid transition")
)

// classify maps driver errors onto the store's sentinel errors where a
// stable category exists, otherwise returns err unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

// isTransientLocked reports whether err is a retryable lock contention
// error (SQLITE_BUSY / SQLITE_LOCKED).
func isTransientLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "(5)") && strings.Contains(msg, "busy")
}

// retryBackoff are the waits between attempts for contended writes on
// the touch path: five tries, 100..500 ms.
var retryBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
	400 * time.Millisecond,
	500 * time.Millisecond,
}

// withRetry runs op, retrying on transient lock errors with stepped
// backoff. Terminal errors propagate immediately.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !isTransientLocked(err) {
			return err
		}
		if attempt >= len(retryBackoff) {
			return err
		}
		metrics.StoreRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
	}
}
