package controller

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/metrics"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// StorageClient is the transport the storage controller drives.
// *storage.PartitionedClient implements it.
type StorageClient interface {
	Send(ctx context.Context, cmd storage.Command) error
	Incoming() <-chan storage.ShardResponse
	Absorb(sr storage.ShardResponse) (storage.Response, error)
}

var _ StorageClient = (*storage.PartitionedClient)(nil)

// CollectionDescription describes a storage collection to create.
type CollectionDescription struct {
	ID    model.GlobalID
	Since frontier.Antichain
}

// StorageController tracks the frontiers of storage collections. It is
// owned by a single goroutine.
type StorageController struct {
	client      StorageClient
	collections map[model.GlobalID]*StorageCollection
	recorder    Recorder
	logger      *slog.Logger
}

// NewStorageController returns a controller driving client.
func NewStorageController(client StorageClient, recorder Recorder, logger *slog.Logger) *StorageController {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &StorageController{
		client:      client,
		collections: make(map[model.GlobalID]*StorageCollection),
		recorder:    recorder,
		logger:      logger,
	}
}

// Responses is the channel of raw shard responses. A value received from
// it must be handed to Process.
func (c *StorageController) Responses() <-chan storage.ShardResponse {
	return c.client.Incoming()
}

// Collection returns the collection with the given id.
func (c *StorageController) Collection(id model.GlobalID) (*StorageCollection, bool) {
	coll, ok := c.collections[id]
	return coll, ok
}

// IDs returns the tracked collection ids in order.
func (c *StorageController) IDs() []model.GlobalID {
	out := make([]model.GlobalID, 0, len(c.collections))
	for id := range c.collections {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func (c *StorageController) lookup(id model.GlobalID) (*StorageCollection, error) {
	coll, ok := c.collections[id]
	if !ok {
		return nil, errors.Newf("storage collection %s not found", id)
	}
	return coll, nil
}

// CreateTimely forwards the cluster configuration to every shard.
func (c *StorageController) CreateTimely(ctx context.Context, cfg storage.TimelyConfig, epoch storage.ClusterStartupEpoch) error {
	return c.client.Send(ctx, storage.CreateTimely{Config: cfg, Epoch: epoch})
}

// InitializationComplete tells the shards reconciliation is over.
func (c *StorageController) InitializationComplete(ctx context.Context) error {
	return c.client.Send(ctx, storage.InitializationComplete{})
}

// UpdateConfiguration forwards parameters to the shards.
func (c *StorageController) UpdateConfiguration(ctx context.Context, params map[string]string) error {
	return c.client.Send(ctx, storage.UpdateConfiguration{Params: params})
}

// CreateCollections starts tracking collections. Every id must be new.
func (c *StorageController) CreateCollections(descs ...CollectionDescription) error {
	for _, d := range descs {
		if _, ok := c.collections[d.ID]; ok {
			return errors.Newf("storage collection %s already exists", d.ID)
		}
	}
	for _, d := range descs {
		c.collections[d.ID] = &StorageCollection{
			collectionState: newCollectionState(d.Since),
			ID:              d.ID,
		}
		c.logger.Debug("created storage collection", "id", d.ID, "since", d.Since)
	}
	return nil
}

// RunIngestions starts ingestions. Every collection an ingestion writes
// must already exist.
func (c *StorageController) RunIngestions(ctx context.Context, ingestions ...storage.RunIngestionCommand) error {
	for _, ing := range ingestions {
		for _, id := range ing.SubsourceIDs() {
			if _, err := c.lookup(id); err != nil {
				return errors.Wrapf(err, "run ingestion %s", ing.ID)
			}
		}
	}
	return c.client.Send(ctx, storage.RunIngestions{Ingestions: ingestions})
}

// RunSinks starts sinks. A sink's export is tracked as a collection whose
// since is the sink's as-of.
func (c *StorageController) RunSinks(ctx context.Context, sinks ...storage.RunSinkCommand) error {
	for _, s := range sinks {
		if _, err := c.lookup(s.From); err != nil {
			return errors.Wrapf(err, "run sink %s", s.ID)
		}
	}
	for _, s := range sinks {
		if _, ok := c.collections[s.ID]; ok {
			continue
		}
		since := s.AsOf
		if since.IsEmpty() {
			since = frontier.Minimum()
		}
		c.collections[s.ID] = &StorageCollection{
			collectionState: newCollectionState(since),
			ID:              s.ID,
		}
	}
	return c.client.Send(ctx, storage.RunSinks{Sinks: sinks})
}

// AllowCompaction downgrades implied capabilities. Shards are told about
// every read frontier that advanced as a result; an empty frontier drops
// the collection once no read holds remain.
func (c *StorageController) AllowCompaction(ctx context.Context, compactions ...storage.Compaction) error {
	for _, cp := range compactions {
		if _, err := c.lookup(cp.ID); err != nil {
			return err
		}
	}
	var advanced []storage.Compaction
	for _, cp := range compactions {
		coll := c.collections[cp.ID]
		before := coll.ReadFrontier()
		if !coll.downgradeImplied(cp.Frontier) {
			continue
		}
		if after := coll.ReadFrontier(); frontier.FrontierLessThan(before, after) {
			advanced = append(advanced, storage.Compaction{ID: cp.ID, Frontier: after})
		}
	}
	return c.sendCompactions(ctx, advanced)
}

// AcquireReadHold adds a read hold at f. The hold may not precede the
// current read frontier.
func (c *StorageController) AcquireReadHold(id model.GlobalID, f frontier.Antichain) error {
	coll, err := c.lookup(id)
	if err != nil {
		return err
	}
	if rf := coll.ReadFrontier(); !frontier.FrontierLessEqual(rf, f) {
		return errors.Newf("read hold %s on %s precedes read frontier %s", f, id, rf)
	}
	coll.readCapabilities.UpdateIter(f, 1)
	return nil
}

// DowngradeReadHold moves a hold from one frontier to a later one. Moving
// to the empty frontier releases it.
func (c *StorageController) DowngradeReadHold(ctx context.Context, id model.GlobalID, from, to frontier.Antichain) error {
	coll, err := c.lookup(id)
	if err != nil {
		return err
	}
	if !frontier.FrontierLessEqual(from, to) {
		return errors.Newf("read hold on %s cannot move backwards from %s to %s", id, from, to)
	}
	before := coll.ReadFrontier()
	coll.readCapabilities.UpdateIter(from, -1)
	coll.readCapabilities.UpdateIter(to, 1)
	after := coll.ReadFrontier()
	if !frontier.FrontierLessThan(before, after) {
		return nil
	}
	return c.sendCompactions(ctx, []storage.Compaction{{ID: id, Frontier: after}})
}

func (c *StorageController) sendCompactions(ctx context.Context, compactions []storage.Compaction) error {
	if len(compactions) == 0 {
		return nil
	}
	return c.client.Send(ctx, storage.AllowCompaction{Collections: compactions})
}

// StorageChanges is what one processed shard response changed.
type StorageChanges struct {
	// Advanced holds the write frontiers that moved forward.
	Advanced []storage.FrontierUpper
	// Dropped holds the collections that are gone.
	Dropped []model.GlobalID
}

// Process absorbs one shard response and applies the consolidated result.
func (c *StorageController) Process(ctx context.Context, sr storage.ShardResponse) (StorageChanges, error) {
	resp, err := c.client.Absorb(sr)
	if err != nil {
		return StorageChanges{}, errors.Wrapf(err, "storage shard %d", sr.Shard)
	}
	switch resp := resp.(type) {
	case nil:
		return StorageChanges{}, nil
	case storage.FrontierUppers:
		return StorageChanges{Advanced: c.applyUppers(resp)}, nil
	case storage.DroppedIDs:
		dropped, err := c.applyDrops(ctx, resp)
		return StorageChanges{Dropped: dropped}, err
	case storage.StatusUpdates:
		return StorageChanges{}, c.applyStatuses(ctx, resp.Updates)
	case storage.StatisticsUpdates:
		for _, s := range resp.Sources {
			c.logger.Debug("source statistics",
				"id", s.ID,
				"messages_received", s.MessagesReceived,
				"bytes_received", s.BytesReceived,
				"snapshot_committed", s.SnapshotCommitted)
		}
		for _, s := range resp.Sinks {
			c.logger.Debug("sink statistics",
				"id", s.ID,
				"messages_committed", s.MessagesCommitted,
				"bytes_committed", s.BytesCommitted)
		}
		return StorageChanges{}, nil
	default:
		return StorageChanges{}, errors.AssertionFailedf("unexpected storage response %T", resp)
	}
}

func (c *StorageController) applyUppers(resp storage.FrontierUppers) []storage.FrontierUpper {
	var advanced []storage.FrontierUpper
	for _, u := range resp.Uppers {
		coll, ok := c.collections[u.ID]
		if !ok {
			c.logger.Warn("upper for unknown storage collection", "id", u.ID, "upper", u.Upper)
			continue
		}
		if coll.advanceWrite(u.Upper) {
			metrics.StorageFrontierUpdates.Inc()
			advanced = append(advanced, storage.FrontierUpper{ID: u.ID, Upper: coll.WriteFrontier()})
		}
	}
	return advanced
}

func (c *StorageController) applyDrops(ctx context.Context, resp storage.DroppedIDs) ([]model.GlobalID, error) {
	now := nowFunc()
	var dropped []model.GlobalID
	updates := make([]storage.StatusUpdate, 0, len(resp.IDs))
	for _, id := range resp.IDs {
		if _, ok := c.collections[id]; !ok {
			continue
		}
		delete(c.collections, id)
		dropped = append(dropped, id)
		updates = append(updates, storage.NewStatusUpdate(id, now, storage.StatusDropped))
		c.logger.Info("storage collection dropped", "id", id)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	return dropped, c.recorder.RecordStatusUpdates(ctx, updates)
}

func (c *StorageController) applyStatuses(ctx context.Context, updates []storage.StatusUpdate) error {
	accepted := updates[:0:0]
	for _, u := range updates {
		coll, ok := c.collections[u.ID]
		if !ok {
			continue
		}
		if coll.Status != nil && !u.Replaces(*coll.Status) {
			continue
		}
		coll.Status = &u
		accepted = append(accepted, u)
	}
	if len(accepted) == 0 {
		return nil
	}
	return c.recorder.RecordStatusUpdates(ctx, accepted)
}

// frontierRecords snapshots every collection's frontiers.
func (c *StorageController) frontierRecords() []FrontierRecord {
	out := make([]FrontierRecord, 0, len(c.collections))
	for _, id := range c.IDs() {
		coll := c.collections[id]
		out = append(out, FrontierRecord{
			ID:            id,
			ReadFrontier:  coll.ReadFrontier(),
			WriteFrontier: coll.WriteFrontier(),
		})
	}
	return out
}
