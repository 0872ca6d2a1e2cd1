package timestamp

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/daviddao/clockwork/pkg/model"
)

// TimestampOracle hands out linearized timestamps for one timeline. Read
// timestamps never regress.
type TimestampOracle interface {
	ReadTS(ctx context.Context) (model.Timestamp, error)
	WriteTS(ctx context.Context) (model.Timestamp, error)
	ApplyWrite(ctx context.Context, ts model.Timestamp) error
}

// OracleRegistry resolves the oracle of a timeline.
type OracleRegistry interface {
	Oracle(tl model.Timeline) TimestampOracle
}

// GetTimeline returns the timeline a bundle reads in, defaulting timestamp
// dependent bundles to EpochMilliseconds.
func GetTimeline(tlc model.TimelineContext) (model.Timeline, bool) {
	return tlc.ResolveTimeline()
}

// LinearizedTimeline returns the timeline whose oracle must be consulted,
// iff linearization is needed. That is the case inside a timeline when the
// policy requires the oracle timestamp, or when it allows it and isolation
// is strict serializable or strong session serializable.
func LinearizedTimeline(iso model.IsolationLevel, when QueryWhen, tlc model.TimelineContext) (model.Timeline, bool) {
	tl, ok := GetTimeline(tlc)
	if !ok {
		return "", false
	}
	if when.MustAdvanceToTimelineTS() {
		return tl, true
	}
	if when.CanAdvanceToTimelineTS() &&
		(iso == model.StrictSerializable || iso == model.StrongSessionSerializable) {
		return tl, true
	}
	return "", false
}

// OracleReadTS fetches the linearized read timestamp a determination needs,
// or nil when none is needed.
func OracleReadTS(ctx context.Context, reg OracleRegistry, iso model.IsolationLevel, when QueryWhen, tlc model.TimelineContext) (*model.Timestamp, error) {
	tl, ok := LinearizedTimeline(iso, when, tlc)
	if !ok {
		return nil, nil
	}
	ts, err := reg.Oracle(tl).ReadTS(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "read timestamp for timeline %s", tl)
	}
	return &ts, nil
}

// OracleResult is the outcome of an asynchronous oracle fetch.
type OracleResult struct {
	TS  *model.Timestamp
	Err error
}

// OracleFetcher runs oracle reads on a bounded pool of goroutines so that a
// slow timeline never blocks the caller's loop.
type OracleFetcher struct {
	reg    OracleRegistry
	pool   *ants.Pool
	logger *slog.Logger
}

// NewOracleFetcher returns a fetcher running at most size reads at once.
func NewOracleFetcher(reg OracleRegistry, size int, logger *slog.Logger) (*OracleFetcher, error) {
	if size <= 0 {
		return nil, errors.Newf("oracle pool size must be positive, got %d", size)
	}
	f := &OracleFetcher{reg: reg, logger: logger}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		f.logger.Error("oracle fetch panic", "panic", v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create oracle pool")
	}
	f.pool = pool
	return f, nil
}

// Fetch starts an oracle read and returns a channel that receives exactly
// one result. Reads that need no oracle complete without touching the pool.
// Cancelling ctx abandons the read; the result then carries ctx's error.
func (f *OracleFetcher) Fetch(ctx context.Context, iso model.IsolationLevel, when QueryWhen, tlc model.TimelineContext) <-chan OracleResult {
	out := make(chan OracleResult, 1)
	tl, ok := LinearizedTimeline(iso, when, tlc)
	if !ok {
		out <- OracleResult{}
		return out
	}
	err := f.pool.Submit(func() {
		// Overwritten on success; a panicking oracle still answers.
		res := OracleResult{Err: errors.AssertionFailedf("oracle read for timeline %s did not complete", tl)}
		defer func() { out <- res }()
		res.TS, res.Err = OracleReadTS(ctx, f.reg, iso, when, tlc)
	})
	if err != nil {
		out <- OracleResult{Err: errors.Wrap(err, "submit oracle read")}
	}
	return out
}

// Running returns the number of reads in flight.
func (f *OracleFetcher) Running() int { return f.pool.Running() }

// Close releases the pool. Reads already submitted still complete.
func (f *OracleFetcher) Close() {
	f.pool.Release()
}
