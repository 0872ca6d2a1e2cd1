package controller

import (
	"github.com/google/uuid"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// Response is a message the controller hands back to its owner.
type Response interface {
	isResponse()
}

// PeekResponse answers the peek registered under UUID.
type PeekResponse struct {
	UUID uuid.UUID
	// Rows holds the result rows, already encoded.
	Rows []string
	// Error is set when the peek failed.
	Error    string
	Canceled bool
}

// SubscribeBatch is the output of a subscribe between two frontiers.
type SubscribeBatch struct {
	Lower   frontier.Antichain
	Upper   frontier.Antichain
	Updates []SubscribeUpdate
	Error   string
}

// SubscribeUpdate is one row change of a subscribe.
type SubscribeUpdate struct {
	Row       string
	Timestamp model.Timestamp
	Diff      int64
}

// SubscribeResponse carries a batch of a running subscribe.
type SubscribeResponse struct {
	ID    model.GlobalID
	Batch SubscribeBatch
}

// CopyToResponse reports the outcome of a COPY TO.
type CopyToResponse struct {
	ID    model.GlobalID
	Count uint64
	Err   error
}

// ServiceProcessMetrics is the resource usage of one replica process.
type ServiceProcessMetrics struct {
	CPUNanoCores *uint64
	MemoryBytes  *uint64
}

// ComputeReplicaMetrics reports resource usage of a replica.
type ComputeReplicaMetrics struct {
	Replica model.ReplicaID
	Metrics []ServiceProcessMetrics
}

// WatchSetFinished carries the tokens of every watch set that completed.
type WatchSetFinished struct {
	Tokens []any
}

func (PeekResponse) isResponse()          {}
func (SubscribeResponse) isResponse()     {}
func (CopyToResponse) isResponse()        {}
func (ComputeReplicaMetrics) isResponse() {}
func (WatchSetFinished) isResponse()      {}

// ComputeMessage is a response delivered by a compute instance.
type ComputeMessage interface {
	isComputeMessage()
}

// ComputeFrontierUpper reports the write frontier of a compute collection.
type ComputeFrontierUpper struct {
	Instance model.ComputeInstanceID
	ID       model.GlobalID
	Upper    frontier.Antichain
}

func (PeekResponse) isComputeMessage()         {}
func (SubscribeResponse) isComputeMessage()    {}
func (CopyToResponse) isComputeMessage()       {}
func (ComputeFrontierUpper) isComputeMessage() {}
