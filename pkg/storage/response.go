package storage

import (
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// Response is a message from storage shards to the controller.
type Response interface {
	isResponse()
	Kind() string
}

// FrontierUppers reports new write frontiers.
type FrontierUppers struct {
	Uppers []FrontierUpper
}

// FrontierUpper is the write frontier of one collection.
type FrontierUpper struct {
	ID    model.GlobalID
	Upper frontier.Antichain
}

// DroppedIDs reports collections whose resources have been released.
type DroppedIDs struct {
	IDs []model.GlobalID
}

// StatisticsUpdates reports ingestion and export counters.
type StatisticsUpdates struct {
	Sources []SourceStatisticsUpdate
	Sinks   []SinkStatisticsUpdate
}

// SourceStatisticsUpdate holds counters of one source since the previous
// report.
type SourceStatisticsUpdate struct {
	ID                model.GlobalID
	MessagesReceived  uint64
	BytesReceived     uint64
	UpdatesStaged     uint64
	UpdatesCommitted  uint64
	SnapshotCommitted bool
}

// SinkStatisticsUpdate holds counters of one sink since the previous report.
type SinkStatisticsUpdate struct {
	ID                model.GlobalID
	MessagesStaged    uint64
	MessagesCommitted uint64
	BytesStaged       uint64
	BytesCommitted    uint64
}

// StatusUpdates reports health changes.
type StatusUpdates struct {
	Updates []StatusUpdate
}

func (FrontierUppers) isResponse()    {}
func (DroppedIDs) isResponse()        {}
func (StatisticsUpdates) isResponse() {}
func (StatusUpdates) isResponse()     {}

func (FrontierUppers) Kind() string    { return "FrontierUppers" }
func (DroppedIDs) Kind() string        { return "DroppedIds" }
func (StatisticsUpdates) Kind() string { return "StatisticsUpdates" }
func (StatusUpdates) Kind() string     { return "StatusUpdates" }
