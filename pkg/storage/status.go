package storage

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/model"
)

// Status is the health of a source or sink.
type Status uint8

const (
	StatusStarting Status = iota
	StatusRunning
	StatusPaused
	StatusStalled
	// StatusCeased is terminal: the collection hit a definite error.
	StatusCeased
	// StatusDropped is terminal.
	StatusDropped
)

var statusNames = [...]string{"starting", "running", "paused", "stalled", "ceased", "dropped"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// ParseStatus parses the lower-case status name.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, errors.Newf("%s is not a valid status", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SupersededBy reports whether a collection in status s should move to next.
// Dropped is final, Ceased only yields to Dropped, and a repeated Paused is
// noise.
func (s Status) SupersededBy(next Status) bool {
	switch {
	case s == StatusDropped:
		return false
	case next == StatusDropped:
		return true
	case s == StatusCeased:
		return false
	case next == StatusCeased:
		return true
	case s == StatusPaused && next == StatusPaused:
		return false
	default:
		return true
	}
}

// StatusUpdate is a health report for one collection.
type StatusUpdate struct {
	ID        model.GlobalID
	Status    Status
	Timestamp time.Time
	// Error is set for Stalled and Ceased.
	Error            string
	Hints            []string
	NamespacedErrors map[string]string
}

// Replaces reports whether u should become the status of a collection
// whose current status is cur. Every shard reports the same transition, so
// a repeat of the current status with the same error is dropped.
func (u StatusUpdate) Replaces(cur StatusUpdate) bool {
	if u.Status == cur.Status && u.Error == cur.Error {
		return false
	}
	return cur.Status.SupersededBy(u.Status)
}

// NewStatusUpdate returns an update without error details.
func NewStatusUpdate(id model.GlobalID, ts time.Time, status Status) StatusUpdate {
	return StatusUpdate{ID: id, Status: status, Timestamp: ts}
}
