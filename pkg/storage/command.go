// Package storage implements the controller side of the storage protocol:
// commands sent to storage shards, the responses they report, and the
// consolidation of per-shard reports into one logical stream.
package storage

import (
	"fmt"
	"slices"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// TimelyConfig is the shape of the storage cluster.
type TimelyConfig struct {
	// Workers per process.
	Workers int `toml:"workers" json:"workers"`
	// Addresses holds one address per process.
	Addresses []string `toml:"addresses" json:"addresses"`
	// Process is the index of the receiving process. Set by Split.
	Process int `toml:"process" json:"process"`
	// ArrangementExertProportionality tunes idle merge effort.
	ArrangementExertProportionality int `toml:"arrangement_exert_proportionality" json:"arrangement_exert_proportionality"`
}

// Split returns one copy of c per process, each addressed to that process.
func (c TimelyConfig) Split(parts int) []TimelyConfig {
	out := make([]TimelyConfig, parts)
	for i := range out {
		out[i] = c
		out[i].Addresses = slices.Clone(c.Addresses)
		out[i].Process = i
	}
	return out
}

// ClusterStartupEpoch fences commands from stale controllers.
type ClusterStartupEpoch struct {
	Envd    int64  `toml:"envd" json:"envd"`
	Replica uint64 `toml:"replica" json:"replica"`
}

func (e ClusterStartupEpoch) String() string {
	return fmt.Sprintf("(%d, %d)", e.Envd, e.Replica)
}

// Command is a message from the controller to storage shards.
type Command interface {
	isCommand()
	Kind() string
}

// CreateTimely specifies the cluster shape before any other command.
type CreateTimely struct {
	Config TimelyConfig
	Epoch  ClusterStartupEpoch
}

// InitializationComplete marks the end of the commands reflecting the
// controller's initial state.
type InitializationComplete struct{}

// UpdateConfiguration updates storage parameters.
type UpdateConfiguration struct {
	Params map[string]string
}

// RunIngestions starts ingesting sources.
type RunIngestions struct {
	Ingestions []RunIngestionCommand
}

// RunIngestionCommand starts one ingestion.
type RunIngestionCommand struct {
	ID          model.GlobalID
	Description IngestionDescription
}

// IngestionDescription describes the collections an ingestion writes.
type IngestionDescription struct {
	// SourceExports are the subsources fed by the ingestion.
	SourceExports []model.GlobalID
	// RemapCollection records the mapping from upstream offsets to
	// timestamps, if the source has one.
	RemapCollection *model.GlobalID
}

// SubsourceIDs returns every collection the ingestion reports frontiers
// for: the ingestion itself, its exports and its remap collection.
func (c RunIngestionCommand) SubsourceIDs() []model.GlobalID {
	ids := []model.GlobalID{c.ID}
	for _, id := range c.Description.SourceExports {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if r := c.Description.RemapCollection; r != nil && !slices.Contains(ids, *r) {
		ids = append(ids, *r)
	}
	return ids
}

// AllowCompaction permits compaction of collections up to a frontier. An
// empty frontier drops the collection.
type AllowCompaction struct {
	Collections []Compaction
}

// Compaction names a collection and the frontier after which accumulations
// must stay correct.
type Compaction struct {
	ID       model.GlobalID
	Frontier frontier.Antichain
}

// RunSinks starts exporting collections.
type RunSinks struct {
	Sinks []RunSinkCommand
}

// RunSinkCommand starts one sink.
type RunSinkCommand struct {
	ID   model.GlobalID
	From model.GlobalID
	AsOf frontier.Antichain
}

func (CreateTimely) isCommand()           {}
func (InitializationComplete) isCommand() {}
func (UpdateConfiguration) isCommand()    {}
func (RunIngestions) isCommand()          {}
func (AllowCompaction) isCommand()        {}
func (RunSinks) isCommand()               {}

func (CreateTimely) Kind() string           { return "CreateTimely" }
func (InitializationComplete) Kind() string { return "InitializationComplete" }
func (UpdateConfiguration) Kind() string    { return "UpdateConfiguration" }
func (RunIngestions) Kind() string          { return "RunIngestions" }
func (AllowCompaction) Kind() string        { return "AllowCompaction" }
func (RunSinks) Kind() string               { return "RunSinks" }
