// Package model defines the core domain types for clockwork.
//
// Clockwork decides which logical time a read or write may observe and
// tracks, across many independently progressing workers, which times each
// collection has completed. Two ideas carry the design:
//
//   - Timestamps are totally ordered logical times. In the default
//     EpochMilliseconds timeline they are milliseconds since the Unix epoch.
//
//   - Progress is summarised by frontiers (antichains of timestamps, see
//     package frontier). A collection's since is the oldest time at which
//     its contents are correct; its upper is the boundary past which its
//     contents are not yet known.
package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is a logical time. It is totally ordered.
type Timestamp uint64

const (
	// MinTimestamp is the least timestamp.
	MinTimestamp Timestamp = 0
	// MaxTimestamp is the greatest timestamp.
	MaxTimestamp Timestamp = math.MaxUint64
)

// StepBack returns the immediate predecessor of t. It reports false when t
// is the minimum and has no predecessor.
func (t Timestamp) StepBack() (Timestamp, bool) {
	if t == MinTimestamp {
		return MinTimestamp, false
	}
	return t - 1, true
}

// StepForward returns the immediate successor of t, saturating at the
// maximum.
func (t Timestamp) StepForward() Timestamp {
	return t.SaturatingAdd(1)
}

// SaturatingAdd returns t+d, clamped to MaxTimestamp.
func (t Timestamp) SaturatingAdd(d Timestamp) Timestamp {
	if t > MaxTimestamp-d {
		return MaxTimestamp
	}
	return t + d
}

// SaturatingSub returns t-d, clamped to MinTimestamp.
func (t Timestamp) SaturatingSub(d Timestamp) Timestamp {
	if d > t {
		return MinTimestamp
	}
	return t - d
}

// Join returns the least upper bound of t and other.
func (t Timestamp) Join(other Timestamp) Timestamp {
	if other > t {
		return other
	}
	return t
}

// Meet returns the greatest lower bound of t and other.
func (t Timestamp) Meet(other Timestamp) Timestamp {
	if other < t {
		return other
	}
	return t
}

// LessEq reports t <= other.
func (t Timestamp) LessEq(other Timestamp) bool { return t <= other }

// Less reports t < other.
func (t Timestamp) Less(other Timestamp) bool { return t < other }

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// TimestampFromTime converts a wall-clock time to milliseconds since the
// Unix epoch. Times before the epoch map to the minimum.
func TimestampFromTime(tm time.Time) Timestamp {
	ms := tm.UnixMilli()
	if ms < 0 {
		return MinTimestamp
	}
	return Timestamp(ms)
}

// Time interprets t as milliseconds since the Unix epoch. It reports false
// when t does not fit a time.Time.
func (t Timestamp) Time() (time.Time, bool) {
	if uint64(t) > math.MaxInt64 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(t)).UTC(), true
}

// ParseTimestamp parses a decimal timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return Timestamp(v), nil
}
