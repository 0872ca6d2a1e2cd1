// Package controller owns the frontiers of storage and compute collections
// and reacts to their changes.
//
// A Controller is a single-owner reactor. One goroutine alternates Ready,
// which waits until there is work and stashes it, with Process, which does
// the work. Ready can be abandoned and retried at any point without losing
// anything. Other goroutines talk to the controller through Submit and read
// its state through the published Snapshot.
package controller

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/logger"
	"github.com/daviddao/clockwork/pkg/metrics"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

var nowFunc = time.Now

// DefaultFrontierInterval is how often frontiers are recorded.
const DefaultFrontierInterval = time.Second

// Readiness is the kind of work Ready found.
type Readiness uint8

const (
	NotReady Readiness = iota
	ReadyStorage
	ReadyCompute
	ReadyMetrics
	ReadyFrontiers
	ReadyInternal
)

func (r Readiness) String() string {
	switch r {
	case NotReady:
		return "not_ready"
	case ReadyStorage:
		return "storage"
	case ReadyCompute:
		return "compute"
	case ReadyMetrics:
		return "metrics"
	case ReadyFrontiers:
		return "frontiers"
	case ReadyInternal:
		return "internal"
	default:
		return fmt.Sprintf("readiness(%d)", uint8(r))
	}
}

// Config configures a Controller.
type Config struct {
	// FrontierInterval is the period of frontier recording. Zero means
	// DefaultFrontierInterval.
	FrontierInterval time.Duration
	Recorder         Recorder
	Logger           *slog.Logger
}

// Controller composes the storage and compute controllers with watch sets
// and periodic frontier recording.
type Controller struct {
	Storage *StorageController
	Compute *ComputeController

	watchSets *WatchSets
	readiness Readiness

	pendingStorage storage.ShardResponse
	pendingCompute ComputeMessage
	pendingMetrics ComputeReplicaMetrics

	metrics  *mailbox[ComputeReplicaMetrics]
	inbox    *mailbox[func(*Controller)]
	ticker   *time.Ticker
	recorder Recorder
	snapshot atomic.Pointer[Snapshot]
	logger   *slog.Logger
}

var _ timestamp.Provider = (*Controller)(nil)

// New returns a controller driving client.
func New(client StorageClient, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.FrontierInterval <= 0 {
		cfg.FrontierInterval = DefaultFrontierInterval
	}
	log := cfg.Logger.With("component", "controller")
	sc := NewStorageController(client, cfg.Recorder, log.With("controller", "storage"))
	c := &Controller{
		Storage:   sc,
		Compute:   NewComputeController(sc, log.With("controller", "compute")),
		watchSets: NewWatchSets(),
		metrics:   newMailbox[ComputeReplicaMetrics](),
		inbox:     newMailbox[func(*Controller)](),
		ticker:    time.NewTicker(cfg.FrontierInterval),
		recorder:  cfg.Recorder,
		logger:    log,
	}
	c.publish()
	return c
}

// Close stops the frontier ticker.
func (c *Controller) Close() { c.ticker.Stop() }

// Submit queues fn to run on the controller goroutine. Safe to call from
// any goroutine.
func (c *Controller) Submit(fn func(*Controller)) { c.inbox.Push(fn) }

// Do runs fn on the controller goroutine and waits for its result. The
// snapshot reflects fn's changes by the time Do returns. If ctx ends first,
// fn may still run later.
func (c *Controller) Do(ctx context.Context, fn func(*Controller) error) error {
	done := make(chan error, 1)
	c.Submit(func(c *Controller) {
		err := fn(c)
		c.publish()
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportReplicaMetrics queues resource usage of a replica. Safe to call
// from any goroutine.
func (c *Controller) ReportReplicaMetrics(m ComputeReplicaMetrics) { c.metrics.Push(m) }

// Snapshot returns the latest published view of every frontier.
func (c *Controller) Snapshot() *Snapshot { return c.snapshot.Load() }

// Readiness returns the work stashed by the last Ready.
func (c *Controller) Readiness() Readiness { return c.readiness }

// Ready waits until there is work for Process. Queued submissions run
// inline while waiting. Calling Ready again before Process returns
// immediately.
func (c *Controller) Ready(ctx context.Context) error {
	if c.readiness != NotReady {
		return nil
	}
	for {
		if c.watchSets.HasImmediate() {
			c.readiness = ReadyInternal
			return nil
		}
		select {
		case sr := <-c.Storage.Responses():
			c.pendingStorage = sr
			c.readiness = ReadyStorage
			return nil
		case <-c.Compute.inbox.Notify():
			if msg, ok := c.Compute.inbox.Pop(); ok {
				c.pendingCompute = msg
				c.readiness = ReadyCompute
				return nil
			}
		case <-c.metrics.Notify():
			if m, ok := c.metrics.Pop(); ok {
				c.pendingMetrics = m
				c.readiness = ReadyMetrics
				return nil
			}
		case <-c.ticker.C:
			c.readiness = ReadyFrontiers
			return nil
		case <-c.inbox.Notify():
			c.drainInbox()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) drainInbox() {
	for {
		fn, ok := c.inbox.Pop()
		if !ok {
			break
		}
		fn(c)
	}
	c.publish()
}

// Process performs the work found by Ready. It returns a response for the
// owner when there is one.
func (c *Controller) Process(ctx context.Context) (Response, error) {
	r := c.readiness
	c.readiness = NotReady
	defer c.publish()

	switch r {
	case NotReady:
		return nil, nil
	case ReadyStorage:
		sr := c.pendingStorage
		c.pendingStorage = storage.ShardResponse{}
		changes, err := c.Storage.Process(ctx, sr)
		c.forgetDropped(changes.Dropped)
		if resp := c.handleFrontierUpdates(changes.Advanced); resp != nil {
			return resp, err
		}
		return nil, err
	case ReadyCompute:
		msg := c.pendingCompute
		c.pendingCompute = nil
		resp, updates := c.Compute.Process(msg)
		if resp != nil {
			return resp, nil
		}
		return c.handleFrontierUpdates(updates), nil
	case ReadyMetrics:
		m := c.pendingMetrics
		c.pendingMetrics = ComputeReplicaMetrics{}
		return m, nil
	case ReadyFrontiers:
		return nil, c.recordFrontiers(ctx)
	case ReadyInternal:
		if tokens := c.watchSets.TakeImmediate(); len(tokens) > 0 {
			return WatchSetFinished{Tokens: tokens}, nil
		}
		return nil, nil
	default:
		return nil, errors.AssertionFailedf("unknown readiness %d", r)
	}
}

// Run alternates Ready and Process until ctx ends, handing every response
// to handle. Processing errors are logged and do not stop the loop.
func (c *Controller) Run(ctx context.Context, handle func(Response)) error {
	for {
		if err := c.Ready(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		resp, err := c.Process(ctx)
		if err != nil {
			c.logger.Error("controller step failed", "error", err)
		}
		if resp != nil && handle != nil {
			handle(resp)
		}
	}
}

// InitializationComplete ends reconciliation on both controllers.
func (c *Controller) InitializationComplete(ctx context.Context) error {
	c.Compute.InitializationComplete()
	return c.Storage.InitializationComplete(ctx)
}

// InstallWatchSet arranges for token to be returned in a WatchSetFinished
// once the write frontier of every id has advanced past t. Every id must
// be tracked by compute or storage.
func (c *Controller) InstallWatchSet(ids []model.GlobalID, t model.Timestamp, token any) WatchSetID {
	h := c.watchSets.Install(ids, t, token, c.writeFrontierOf)
	metrics.WatchSetsPending.Set(float64(c.watchSets.Len()))
	return h
}

// CancelWatchSet forgets a watch set without firing it.
func (c *Controller) CancelWatchSet(h WatchSetID) bool {
	ok := c.watchSets.Cancel(h)
	metrics.WatchSetsPending.Set(float64(c.watchSets.Len()))
	return ok
}

// RecentTimestamp returns a timestamp at which every write to ids that
// completed before the call is visible. Real-time recency is not supported
// by the sources tracked here, so the minimum always qualifies.
func (c *Controller) RecentTimestamp(ctx context.Context, ids []model.GlobalID) (model.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return model.MinTimestamp, nil
}

func (c *Controller) writeFrontierOf(id model.GlobalID) frontier.Antichain {
	if coll, err := c.Compute.FindCollection(id); err == nil {
		return coll.WriteFrontier()
	}
	if coll, ok := c.Storage.Collection(id); ok {
		return coll.WriteFrontier()
	}
	panic(fmt.Sprintf("collection %s is tracked by neither compute nor storage", id))
}

func (c *Controller) handleFrontierUpdates(updates []storage.FrontierUpper) Response {
	if len(updates) == 0 {
		return nil
	}
	var fired []any
	for _, u := range updates {
		fired = append(fired, c.watchSets.Update(u.ID, u.Upper)...)
	}
	metrics.WatchSetsPending.Set(float64(c.watchSets.Len()))
	if len(fired) == 0 {
		return nil
	}
	return WatchSetFinished{Tokens: fired}
}

// forgetDropped cancels the watch sets waiting on dropped collections. Their
// frontiers will never advance again.
func (c *Controller) forgetDropped(ids []model.GlobalID) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if n := c.watchSets.Forget(id); n > 0 {
			c.logger.Warn("watch sets cancelled by drop", "id", id, "cancelled", n)
		}
	}
	metrics.WatchSetsPending.Set(float64(c.watchSets.Len()))
}

func (c *Controller) recordFrontiers(ctx context.Context) error {
	records := append(c.Storage.frontierRecords(), c.Compute.frontierRecords()...)
	if len(records) == 0 {
		return nil
	}
	if err := c.recorder.RecordFrontiers(ctx, records); err != nil {
		return errors.Wrap(err, "record frontiers")
	}
	return nil
}

func (c *Controller) publish() {
	snap := &Snapshot{
		Taken:   nowFunc(),
		Storage: make(map[model.GlobalID]CollectionFrontiers, len(c.Storage.collections)),
		Compute: make(map[model.ComputeInstanceID]map[model.GlobalID]CollectionFrontiers, len(c.Compute.instances)),
	}
	for id, coll := range c.Storage.collections {
		snap.Storage[id] = freeze(coll)
	}
	for instID, inst := range c.Compute.instances {
		colls := make(map[model.GlobalID]CollectionFrontiers, len(inst.collections))
		for id, coll := range inst.collections {
			colls[id] = freeze(coll)
		}
		snap.Compute[instID] = colls
	}
	c.snapshot.Store(snap)
}

func (c *Controller) storageCollection(id model.GlobalID) *StorageCollection {
	coll, ok := c.Storage.Collection(id)
	if !ok {
		panic(fmt.Sprintf("storage collection %s is not tracked", id))
	}
	return coll
}

func (c *Controller) computeCollection(instance model.ComputeInstanceID, id model.GlobalID) *ComputeCollection {
	coll, err := c.Compute.Collection(instance, id)
	if err != nil {
		panic(err.Error())
	}
	return coll
}

func (c *Controller) ComputeReadFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return c.computeCollection(instance, id).ReadFrontier()
}

func (c *Controller) ComputeReadCapability(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return c.computeCollection(instance, id).ReadCapability()
}

func (c *Controller) ComputeWriteFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return c.computeCollection(instance, id).WriteFrontier()
}

func (c *Controller) StorageReadCapabilities(id model.GlobalID) frontier.Antichain {
	return c.storageCollection(id).ReadFrontier()
}

func (c *Controller) StorageImpliedCapability(id model.GlobalID) frontier.Antichain {
	return c.storageCollection(id).ReadCapability()
}

func (c *Controller) StorageWriteFrontier(id model.GlobalID) frontier.Antichain {
	return c.storageCollection(id).WriteFrontier()
}

func sortIDs(ids []model.GlobalID) {
	slices.SortFunc(ids, model.GlobalID.Compare)
}

func sortInstances(ids []model.ComputeInstanceID) {
	slices.SortFunc(ids, cmp.Compare[model.ComputeInstanceID])
}
