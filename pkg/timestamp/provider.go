// Package timestamp chooses the logical time at which a query reads.
//
// A determination joins the read capabilities of every collection in a
// bundle (the since), the union of their write frontiers (the upper), the
// query's explicit AS OF bound and, depending on isolation, the timeline
// oracle's linearized read timestamp. The result is valid iff the since is
// less or equal to it.
package timestamp

import (
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// Provider exposes the frontiers of the collections a controller tracks.
// Every accessor is a side-effect-free read. Asking about an id the
// provider does not track is a programming error and panics.
type Provider interface {
	// ComputeReadFrontier is the current read frontier of a compute
	// collection.
	ComputeReadFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain
	// ComputeReadCapability is the read capability held on a compute
	// collection.
	ComputeReadCapability(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain
	// ComputeWriteFrontier is the latest reported upper of a compute
	// collection.
	ComputeWriteFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain

	// StorageReadCapabilities is the accumulation of every read capability
	// held on a storage collection.
	StorageReadCapabilities(id model.GlobalID) frontier.Antichain
	// StorageImpliedCapability is the capability implied by the collection's
	// creation, downgraded by compaction.
	StorageImpliedCapability(id model.GlobalID) frontier.Antichain
	// StorageWriteFrontier is the consolidated upper of a storage collection.
	StorageWriteFrontier(id model.GlobalID) frontier.Antichain
}

// SessionOracle is a session-local timestamp watermark.
type SessionOracle interface {
	ReadTS() model.Timestamp
}

// Session is the part of a client session a determination consults.
type Session interface {
	ConnID() uint32
	// RealTimeRecency reports whether the session enabled real-time recency.
	RealTimeRecency() bool
	// TimestampOracle returns the session's watermark for tl, if it has one.
	TimestampOracle(tl model.Timeline) (SessionOracle, bool)
}

// BasicSession is a Session backed by plain fields.
type BasicSession struct {
	ID      uint32
	RTR     bool
	Oracles map[model.Timeline]SessionOracle
}

var _ Session = BasicSession{}

func (s BasicSession) ConnID() uint32 { return s.ID }

func (s BasicSession) RealTimeRecency() bool { return s.RTR }

func (s BasicSession) TimestampOracle(tl model.Timeline) (SessionOracle, bool) {
	o, ok := s.Oracles[tl]
	return o, ok
}
