package domain

import (
	"fmt"
	"time"
)

// Timestamp is milliseconds since the Unix epoch.
type Timestamp int64

// NewTimestamp rejects negative values.
func NewTimestamp(ms int64) (Timestamp, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%w: timestamp must be non-negative, got %d", ErrValidation, ms)
	}
	return Timestamp(ms), nil
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp { return TimestampOf(time.Now()) }

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)) }

func (t Timestamp) String() string { return t.Time().UTC().Format(time.RFC3339Nano) }

// Timeout is a lifetime in seconds.
type Timeout int64

// NewTimeout rejects negative values.
func NewTimeout(seconds int64) (Timeout, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("%w: timeout must be non-negative, got %d", ErrValidation, seconds)
	}
	return Timeout(seconds), nil
}

func (t Timeout) Duration() time.Duration { return time.Duration(t) * time.Second }

// Deadline is the first instant at which something created at ts with
// timeout t is no longer valid.
func Deadline(ts Timestamp, t Timeout) Timestamp {
	return ts + Timestamp(int64(t)*1000)
}
