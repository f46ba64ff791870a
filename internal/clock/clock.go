// Package clock provides the wall-clock and ID seams used across conectl.
// Session timing and LED animation pauses go through a Clock so tests can
// substitute a deterministic implementation.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads and blocking pauses.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System is the production Clock backed by the OS clock.
type System struct{}

func (System) Now() time.Time        { return time.Now().UTC() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }

// NewID returns a random 128-bit identifier rendered as a stable string.
func NewID() string {
	return uuid.NewString()
}

// ISO8601 renders t in the UTC ISO-8601 form used for persisted timestamps.
func ISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
