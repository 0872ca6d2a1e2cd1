// Package clock implements timeline timestamp oracles.
//
// An oracle hands out monotonically non-decreasing timestamps for one
// timeline. It follows the two Lamport (1978) implementation rules, with
// the wall clock standing in for the process's own counter:
//
//	IR1 (write): before a write, allocate max(now, last write + 1).
//	IR2 (apply): once a write at t is durable, advance the read
//	     timestamp and the write counter to at least t.
//
// Reads at the oracle's read timestamp are linearizable: every write
// applied before the read was requested is visible at it.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

// NowFunc reports the current time of a timeline.
type NowFunc func() model.Timestamp

// SystemNow is the EpochMilliseconds wall clock.
func SystemNow() model.Timestamp { return model.TimestampFromTime(time.Now()) }

// Oracle is an in-memory timestamp oracle. Safe for concurrent use.
type Oracle struct {
	mu      sync.Mutex
	readTS  model.Timestamp
	writeTS model.Timestamp
	now     NowFunc
}

var _ timestamp.TimestampOracle = (*Oracle)(nil)

// NewOracle returns an oracle whose read and write timestamps start at
// initial. A nil now keeps the oracle purely logical.
func NewOracle(initial model.Timestamp, now NowFunc) *Oracle {
	if now == nil {
		now = func() model.Timestamp { return model.MinTimestamp }
	}
	return &Oracle{readTS: initial, writeTS: initial, now: now}
}

// WriteTS implements IR1: allocate a write timestamp strictly greater than
// every previously allocated one.
func (o *Oracle) WriteTS(ctx context.Context) (model.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.now()
	if next <= o.writeTS {
		next = o.writeTS.StepForward()
	}
	o.writeTS = next
	return next, nil
}

// PeekWriteTS returns the most recently allocated write timestamp without
// allocating a new one.
func (o *Oracle) PeekWriteTS() model.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeTS
}

// ReadTS returns the linearized read timestamp: the largest applied write.
func (o *Oracle) ReadTS(ctx context.Context) (model.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readTS, nil
}

// ApplyWrite implements IR2: mark writes at ts as visible. Applying an
// older timestamp is a no-op, so the read timestamp never regresses.
func (o *Oracle) ApplyWrite(ctx context.Context, ts model.Timestamp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readTS = o.readTS.Join(ts)
	o.writeTS = o.writeTS.Join(ts)
	return nil
}

// Advance allocates a write timestamp and immediately applies it, moving the
// read timestamp forward to at least now. It is what a group commit with no
// pending writes does.
func (o *Oracle) Advance(ctx context.Context) (model.Timestamp, error) {
	ts, err := o.WriteTS(ctx)
	if err != nil {
		return 0, err
	}
	return ts, o.ApplyWrite(ctx, ts)
}

// Registry owns one oracle per timeline. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	oracles map[model.Timeline]*Oracle
	now     map[model.Timeline]NowFunc
}

var _ timestamp.OracleRegistry = (*Registry)(nil)

// NewRegistry returns a registry in which EpochMilliseconds oracles follow
// the system clock and every other timeline is purely logical.
func NewRegistry() *Registry {
	return &Registry{
		oracles: make(map[model.Timeline]*Oracle),
		now:     map[model.Timeline]NowFunc{model.EpochMilliseconds: SystemNow},
	}
}

// SetNow overrides the clock for tl. It only affects oracles created after
// the call.
func (r *Registry) SetNow(tl model.Timeline, now NowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now[tl] = now
}

// Oracle returns the oracle for tl, creating it on first use.
func (r *Registry) Oracle(tl model.Timeline) timestamp.TimestampOracle {
	return r.Get(tl)
}

// Get is Oracle with the concrete type.
func (r *Registry) Get(tl model.Timeline) *Oracle {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.oracles[tl]
	if !ok {
		now := r.now[tl]
		initial := model.MinTimestamp
		if now != nil {
			initial = now()
		}
		o = NewOracle(initial, now)
		r.oracles[tl] = o
	}
	return o
}

// SessionOracle is the per-session watermark used by strong session
// serializable isolation: the largest timestamp the session has written or
// read at. Not goroutine-safe; a session owns its oracle exclusively.
type SessionOracle struct {
	ts model.Timestamp
}

var _ timestamp.SessionOracle = (*SessionOracle)(nil)

// ReadTS returns the session watermark.
func (s *SessionOracle) ReadTS() model.Timestamp { return s.ts }

// ApplyWrite advances the watermark to at least ts.
func (s *SessionOracle) ApplyWrite(ts model.Timestamp) {
	s.ts = s.ts.Join(ts)
}
