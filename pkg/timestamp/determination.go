package timestamp

import (
	"fmt"
	"strings"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// TimelineTimestamp is a read executed in a specific timeline at a specific
// time.
type TimelineTimestamp struct {
	Timeline model.Timeline `json:"timeline"`
	// ChosenTS may exceed OracleTS when the inputs are not yet readable at
	// the oracle's time. The response is then held back until the oracle
	// catches up.
	ChosenTS model.Timestamp  `json:"chosen_ts"`
	OracleTS *model.Timestamp `json:"oracle_ts,omitempty"`
}

// TimestampContext is the timeline and timestamp of a read. The zero value
// is NoTimestamp: the read needs neither.
type TimestampContext struct {
	TimelineTS *TimelineTimestamp `json:"timeline_timestamp,omitempty"`
}

// NoTimestamp returns the context of a timestamp independent read.
func NoTimestamp() TimestampContext { return TimestampContext{} }

// TimestampContextFromTimelineContext builds the context of a read at
// chosen. txnTimeline, when non-empty, is the timeline the surrounding
// transaction already reads in; it must agree with a TimelineDependent
// context.
func TimestampContextFromTimelineContext(chosen model.Timestamp, oracleTS *model.Timestamp, txnTimeline model.Timeline, tlc model.TimelineContext) TimestampContext {
	switch tlc.Kind {
	case model.TimelineDependent:
		if txnTimeline != "" && txnTimeline != tlc.Timeline {
			panic(fmt.Sprintf("transaction timeline %s does not match %s", txnTimeline, tlc.Timeline))
		}
		return TimestampContext{TimelineTS: &TimelineTimestamp{Timeline: tlc.Timeline, ChosenTS: chosen, OracleTS: oracleTS}}
	case model.TimestampDependent:
		tl := txnTimeline
		if tl == "" {
			tl = model.EpochMilliseconds
		}
		return TimestampContext{TimelineTS: &TimelineTimestamp{Timeline: tl, ChosenTS: chosen, OracleTS: oracleTS}}
	default:
		return NoTimestamp()
	}
}

// Timeline returns the context's timeline, if it has one.
func (c TimestampContext) Timeline() (model.Timeline, bool) {
	if c.TimelineTS == nil {
		return "", false
	}
	return c.TimelineTS.Timeline, true
}

// Timestamp returns the chosen timestamp, if there is one.
func (c TimestampContext) Timestamp() (model.Timestamp, bool) {
	if c.TimelineTS == nil {
		return 0, false
	}
	return c.TimelineTS.ChosenTS, true
}

// TimestampOrDefault returns the chosen timestamp, or the maximum timestamp
// for reads without one: those are closed until the end of time.
func (c TimestampContext) TimestampOrDefault() model.Timestamp {
	if ts, ok := c.Timestamp(); ok {
		return ts
	}
	return model.MaxTimestamp
}

// ContainsTimestamp reports whether the context carries a timestamp.
func (c TimestampContext) ContainsTimestamp() bool { return c.TimelineTS != nil }

// Antichain returns {TimestampOrDefault()}.
func (c TimestampContext) Antichain() frontier.Antichain {
	return frontier.FromElem(c.TimestampOrDefault())
}

func (c TimestampContext) String() string {
	if c.TimelineTS == nil {
		return "NoTimestamp"
	}
	return fmt.Sprintf("%s@%s", c.TimelineTS.ChosenTS, c.TimelineTS.Timeline)
}

// Determination records how a query's timestamp was chosen. It is never
// mutated after DetermineTimestampFor returns it.
type Determination struct {
	Context TimestampContext `json:"timestamp_context"`
	// Since is the read frontier of all involved collections.
	Since frontier.Antichain `json:"since"`
	// Upper is the write frontier of all involved collections.
	Upper                      frontier.Antichain `json:"upper"`
	LargestNotInAdvanceOfUpper model.Timestamp    `json:"largest_not_in_advance_of_upper"`
	OracleReadTS               *model.Timestamp   `json:"oracle_read_ts,omitempty"`
	SessionOracleReadTS        *model.Timestamp   `json:"session_oracle_read_ts,omitempty"`
}

// RespondImmediately reports whether every input is complete at the chosen
// time. When false the caller must hold the response until the upper
// passes it.
func (d Determination) RespondImmediately() bool {
	ts, ok := d.Context.Timestamp()
	if !ok {
		return true
	}
	return !d.Upper.LessEqual(ts)
}

// InvalidInput is a collection whose since is beyond a candidate timestamp.
type InvalidInput struct {
	ID model.GlobalID
	// Instance is set for compute collections.
	Instance *model.ComputeInstanceID
	Since    frontier.Antichain
}

func (in InvalidInput) String() string {
	if in.Instance != nil {
		return fmt.Sprintf("%s on %s since %s", in.ID, *in.Instance, in.Since)
	}
	return fmt.Sprintf("%s since %s", in.ID, in.Since)
}

// TimestampNotValidError is returned when the candidate timestamp precedes
// the since of some input.
type TimestampNotValidError struct {
	Candidate model.Timestamp
	Invalid   []InvalidInput
}

func (e *TimestampNotValidError) Error() string {
	parts := make([]string, len(e.Invalid))
	for i, in := range e.Invalid {
		parts[i] = in.String()
	}
	return fmt.Sprintf("Timestamp (%s) is not valid for all inputs: [%s]", e.Candidate, strings.Join(parts, ", "))
}

// Request is the input of a determination.
type Request struct {
	// Session may be nil, in which case no session watermark exists and
	// real-time recency is off.
	Session  Session
	Bundle   model.CollectionIDBundle
	When     QueryWhen
	Instance model.ComputeInstanceID
	Timeline model.TimelineContext
	// OracleReadTS must be set iff LinearizedTimeline reports a timeline.
	OracleReadTS *model.Timestamp
	// RealTimeRecencyTS may only be set under strict serializable isolation
	// with real-time recency enabled.
	RealTimeRecencyTS *model.Timestamp
	Isolation         model.IsolationLevel
}

// LeastValidRead is the join of the read capabilities of every collection in
// the bundle: the earliest time at which all of them are readable.
func LeastValidRead(p Provider, b model.CollectionIDBundle) frontier.Antichain {
	since := frontier.Minimum()
	for _, id := range b.SortedStorageIDs() {
		since.JoinAssign(p.StorageImpliedCapability(id))
	}
	for _, inst := range b.Instances() {
		for _, id := range b.SortedComputeIDs(inst) {
			since.JoinAssign(p.ComputeReadCapability(inst, id))
		}
	}
	return since
}

// LeastValidWrite is the union of the write frontiers of every collection in
// the bundle. Times not in advance of it are complete for all of them.
func LeastValidWrite(p Provider, b model.CollectionIDBundle) frontier.Antichain {
	upper := frontier.New()
	for _, id := range b.SortedStorageIDs() {
		upper.Extend(p.StorageWriteFrontier(id).Elements()...)
	}
	for _, inst := range b.Instances() {
		for _, id := range b.SortedComputeIDs(inst) {
			upper.Extend(p.ComputeWriteFrontier(inst, id).Elements()...)
		}
	}
	return upper
}

// LargestNotInAdvanceOfUpper is the greatest time at which every input is
// complete. An upper of {min} has no such time and yields the minimum
// instead. An empty upper means every input is closed, and reading at the
// maximum is always safe.
func LargestNotInAdvanceOfUpper(upper frontier.Antichain) model.Timestamp {
	u, ok := upper.AsOption()
	if !ok {
		return model.MaxTimestamp
	}
	if prev, ok := u.StepBack(); ok {
		return prev
	}
	return model.MinTimestamp
}

// DetermineTimestampFor chooses the timestamp of a read. It is a pure
// function of the provider's state and the request; the oracle read
// timestamp must have been fetched beforehand.
//
// The only error it returns is *TimestampNotValidError, or an error
// evaluating the AS OF expression. Requests that break the caller contract
// panic.
func DetermineTimestampFor(p Provider, req Request) (Determination, error) {
	since := LeastValidRead(p, req.Bundle)
	upper := LeastValidWrite(p, req.Bundle)
	lniaou := LargestNotInAdvanceOfUpper(upper)

	timeline, hasTimeline := GetTimeline(req.Timeline)
	if tl, ok := LinearizedTimeline(req.Isolation, req.When, req.Timeline); ok && req.OracleReadTS == nil {
		panic(fmt.Sprintf("should get a timestamp from the oracle for linearized timeline %s but didn't", tl))
	}

	candidate := model.MinTimestamp

	if e, ok := req.When.AdvanceToTimestamp(); ok {
		ts, err := e.Eval()
		if err != nil {
			return Determination{}, err
		}
		candidate = candidate.Join(ts)
	}

	if req.When.AdvanceToSince() {
		candidate = frontier.AdvanceBy(candidate, since)
	}

	// Strong session serializable prefers its own watermark over the global
	// oracle unless the policy forces the oracle.
	if req.OracleReadTS != nil &&
		(req.Isolation != model.StrongSessionSerializable || req.When.MustAdvanceToTimelineTS()) {
		candidate = candidate.Join(*req.OracleReadTS)
	}

	// Strict serializable never reads at the upper inside a timeline: data
	// there may belong to writes the oracle has not yet applied.
	if req.When.CanAdvanceToUpper() && (req.Isolation == model.Serializable || !hasTimeline) {
		candidate = candidate.Join(lniaou)
	}

	if req.RealTimeRecencyTS != nil {
		if req.Session == nil || !req.Session.RealTimeRecency() || req.Isolation != model.StrictSerializable {
			panic("real time recency timestamp should only be supplied when real time recency is enabled and the isolation level is strict serializable")
		}
		candidate = candidate.Join(*req.RealTimeRecencyTS)
	}

	var sessionTS *model.Timestamp
	if req.Isolation == model.StrongSessionSerializable {
		if hasTimeline && req.Session != nil {
			if o, ok := req.Session.TimestampOracle(timeline); ok {
				ts := o.ReadTS()
				candidate = candidate.Join(ts)
				sessionTS = &ts
			}
		}
		// Trade freshness for latency: the upper may be far in the future,
		// so take the earlier of it and the oracle's notion of now.
		if req.When.CanAdvanceToUpper() && req.When.CanAdvanceToTimelineTS() {
			advanceTo := lniaou
			if req.OracleReadTS != nil {
				advanceTo = advanceTo.Meet(*req.OracleReadTS)
			}
			candidate = candidate.Join(advanceTo)
		}
	}

	if !since.LessEqual(candidate) {
		return Determination{}, notValid(p, req, candidate)
	}

	var txnTimeline model.Timeline
	if hasTimeline {
		txnTimeline = timeline
	}
	return Determination{
		Context:                    TimestampContextFromTimelineContext(candidate, req.OracleReadTS, txnTimeline, req.Timeline),
		Since:                      since,
		Upper:                      upper,
		LargestNotInAdvanceOfUpper: lniaou,
		OracleReadTS:               req.OracleReadTS,
		SessionOracleReadTS:        sessionTS,
	}, nil
}

func notValid(p Provider, req Request, candidate model.Timestamp) *TimestampNotValidError {
	err := &TimestampNotValidError{Candidate: candidate}
	if _, ok := req.Bundle.ComputeIDs[req.Instance]; ok {
		inst := req.Instance
		for _, id := range req.Bundle.SortedComputeIDs(inst) {
			since := p.ComputeReadFrontier(inst, id)
			if !since.LessEqual(candidate) {
				err.Invalid = append(err.Invalid, InvalidInput{ID: id, Instance: &inst, Since: since})
			}
		}
	}
	for _, id := range req.Bundle.SortedStorageIDs() {
		since := p.StorageReadCapabilities(id)
		if !since.LessEqual(candidate) {
			err.Invalid = append(err.Invalid, InvalidInput{ID: id, Since: since})
		}
	}
	return err
}
