package timestamp

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/logger"
	"github.com/daviddao/clockwork/pkg/metrics"
	"github.com/daviddao/clockwork/pkg/model"
)

// Engine wraps DetermineTimestampFor with logging and metrics.
type Engine struct {
	logger *slog.Logger
	shadow bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithShadowDetermination toggles the serializable shadow determination run
// for strict serializable queries that have to wait. It only feeds the
// clockwork_timestamp_difference_for_strict_serializable_ms histogram.
func WithShadowDetermination(on bool) EngineOption {
	return func(e *Engine) { e.shadow = on }
}

// NewEngine returns an engine. The shadow determination is on by default.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{shadow: true}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get()
	}
	return e
}

// Determine chooses the timestamp of a read against p. p must not change for
// the duration of the call; controller snapshots satisfy that.
func (e *Engine) Determine(p Provider, req Request) (Determination, error) {
	det, err := DetermineTimestampFor(p, req)
	if err != nil {
		return Determination{}, err
	}
	var connID uint32
	if req.Session != nil {
		connID = req.Session.ConnID()
	}
	e.logger.Debug("determined timestamp",
		"conn_id", connID,
		"since", det.Since.String(),
		"largest_not_in_advance_of_upper", det.LargestNotInAdvanceOfUpper.String(),
		"timestamp", det.Context.String(),
	)

	instance := req.Instance.String()
	metrics.DetermineTimestamp.WithLabelValues(
		strconv.FormatBool(det.RespondImmediately()),
		req.Isolation.String(),
		instance,
	).Inc()

	if e.shadow && !det.RespondImmediately() &&
		req.Isolation == model.StrictSerializable && req.RealTimeRecencyTS == nil {
		if strict, ok := det.Context.Timestamp(); ok {
			shadow := req
			shadow.Isolation = model.Serializable
			sdet, err := DetermineTimestampFor(p, shadow)
			if err != nil {
				return Determination{}, err
			}
			if serializable, ok := sdet.Context.Timestamp(); ok {
				metrics.TimestampDifferenceForStrictSerializable.
					WithLabelValues(instance).
					Observe(float64(strict.SaturatingSub(serializable)))
			}
		}
	}
	return det, nil
}

// Explain determines the timestamp of req and annotates it with the
// frontiers of every input.
func (e *Engine) Explain(p Provider, req Request, sessionWallTime time.Time) (TimestampExplanation, error) {
	det, err := e.Determine(p, req)
	if err != nil {
		return TimestampExplanation{}, err
	}
	var sources []TimestampSource
	for _, inst := range req.Bundle.Instances() {
		for _, id := range req.Bundle.SortedComputeIDs(inst) {
			sources = append(sources, TimestampSource{
				Name:          id.String() + " (compute instance " + inst.String() + ")",
				ReadFrontier:  p.ComputeReadFrontier(inst, id),
				WriteFrontier: p.ComputeWriteFrontier(inst, id),
			})
		}
	}
	for _, id := range req.Bundle.SortedStorageIDs() {
		sources = append(sources, TimestampSource{
			Name:          id.String() + " (storage)",
			ReadFrontier:  p.StorageImpliedCapability(id),
			WriteFrontier: p.StorageWriteFrontier(id),
		})
	}
	return TimestampExplanation{
		Determination:      det,
		Sources:            sources,
		SessionWallTime:    sessionWallTime,
		RespondImmediately: det.RespondImmediately(),
	}, nil
}

// TimestampSource is the frontier pair of one explained input.
type TimestampSource struct {
	Name          string             `json:"name"`
	ReadFrontier  frontier.Antichain `json:"read_frontier"`
	WriteFrontier frontier.Antichain `json:"write_frontier"`
}
