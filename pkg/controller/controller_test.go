package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/logger"
	"github.com/daviddao/clockwork/pkg/metrics"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

// fakeClient consolidates like the partitioned client but lets the test
// inject shard responses directly.
type fakeClient struct {
	state    *storage.PartitionedState
	sent     []storage.Command
	incoming chan storage.ShardResponse
}

func newFakeClient(parts int) *fakeClient {
	return &fakeClient{
		state:    storage.NewPartitionedState(parts),
		incoming: make(chan storage.ShardResponse, 64),
	}
}

func (f *fakeClient) Send(ctx context.Context, cmd storage.Command) error {
	f.state.SplitCommand(cmd)
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeClient) Incoming() <-chan storage.ShardResponse { return f.incoming }

func (f *fakeClient) Absorb(sr storage.ShardResponse) (storage.Response, error) {
	return f.state.AbsorbResponse(sr.Shard, sr.Response)
}

func (f *fakeClient) deliver(shard int, resp storage.Response) {
	f.incoming <- storage.ShardResponse{Shard: shard, Response: resp}
}

type memRecorder struct {
	mu        sync.Mutex
	frontiers [][]FrontierRecord
	statuses  []storage.StatusUpdate
}

func (m *memRecorder) RecordFrontiers(_ context.Context, recs []FrontierRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frontiers = append(m.frontiers, recs)
	return nil
}

func (m *memRecorder) RecordStatusUpdates(_ context.Context, updates []storage.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, updates...)
	return nil
}

func newTestController(t *testing.T, parts int) (*Controller, *fakeClient, *memRecorder) {
	t.Helper()
	fc := newFakeClient(parts)
	rec := &memRecorder{}
	c := New(fc, Config{FrontierInterval: time.Hour, Recorder: rec, Logger: logger.Discard()})
	t.Cleanup(c.Close)
	return c, fc, rec
}

// step runs one Ready/Process round.
func step(t *testing.T, c *Controller) (Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Ready(ctx))
	return c.Process(ctx)
}

func ingestion(id model.GlobalID) storage.RunIngestionCommand {
	return storage.RunIngestionCommand{ID: id}
}

// withSource creates and ingests a storage collection.
func withSource(t *testing.T, c *Controller, id model.GlobalID, since model.Timestamp) {
	t.Helper()
	require.NoError(t, c.Storage.CreateCollections(CollectionDescription{ID: id, Since: frontier.FromElem(since)}))
	require.NoError(t, c.Storage.RunIngestions(context.Background(), ingestion(id)))
}

func uppers(id model.GlobalID, t model.Timestamp) storage.FrontierUppers {
	return storage.FrontierUppers{Uppers: []storage.FrontierUpper{{ID: id, Upper: frontier.FromElem(t)}}}
}

func TestController_StorageUpperFiresWatchSet(t *testing.T) {
	c, fc, _ := newTestController(t, 2)
	u1 := model.User(1)
	withSource(t, c, u1, 0)

	h := c.InstallWatchSet([]model.GlobalID{u1}, 3, "conn-1")
	require.False(t, h.IsZero())

	fc.deliver(0, uppers(u1, 6))
	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Nil(t, resp, "shard 1 still holds the minimum")
	assert.True(t, c.StorageWriteFrontier(u1).Equal(frontier.Minimum()))

	fc.deliver(1, uppers(u1, 4))
	resp, err = step(t, c)
	require.NoError(t, err)
	assert.Equal(t, WatchSetFinished{Tokens: []any{"conn-1"}}, resp)
	assert.True(t, c.StorageWriteFrontier(u1).Equal(frontier.FromElem(4)))
	assert.True(t, c.Snapshot().StorageWriteFrontier(u1).Equal(frontier.FromElem(4)))
}

func TestController_ImmediateWatchSetTakesPriority(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	u1 := model.User(1)
	withSource(t, c, u1, 0)
	fc.deliver(0, uppers(u1, 10))
	_, err := step(t, c)
	require.NoError(t, err)

	// A storage response is waiting, but the immediate set goes first.
	fc.deliver(0, uppers(u1, 12))
	h := c.InstallWatchSet([]model.GlobalID{u1}, 5, "now")
	assert.True(t, h.IsZero())

	ctx := context.Background()
	require.NoError(t, c.Ready(ctx))
	assert.Equal(t, ReadyInternal, c.Readiness())
	resp, err := c.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, WatchSetFinished{Tokens: []any{"now"}}, resp)

	require.NoError(t, c.Ready(ctx))
	assert.Equal(t, ReadyStorage, c.Readiness())
}

func TestController_ReadyIsIdempotentUntilProcess(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	u1 := model.User(1)
	withSource(t, c, u1, 0)
	fc.deliver(0, uppers(u1, 3))

	ctx := context.Background()
	require.NoError(t, c.Ready(ctx))
	require.NoError(t, c.Ready(ctx))
	assert.Equal(t, ReadyStorage, c.Readiness())
	_, err := c.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, NotReady, c.Readiness())
	assert.True(t, c.StorageWriteFrontier(u1).Equal(frontier.FromElem(3)))
}

func TestController_ReadyAbandonedLosesNothing(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	u1 := model.User(1)
	withSource(t, c, u1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Ready(ctx), context.DeadlineExceeded)
	assert.Equal(t, NotReady, c.Readiness())

	fc.deliver(0, uppers(u1, 2))
	_, err := step(t, c)
	require.NoError(t, err)
	assert.True(t, c.StorageWriteFrontier(u1).Equal(frontier.FromElem(2)))
}

func TestController_ProtocolViolationLeavesStateUntouched(t *testing.T) {
	c, fc, _ := newTestController(t, 2)
	u1 := model.User(1)
	withSource(t, c, u1, 0)

	fc.deliver(0, uppers(model.User(99), 5))
	resp, err := step(t, c)
	require.Error(t, err)
	assert.Nil(t, resp)

	fc.deliver(0, uppers(u1, 5))
	fc.deliver(1, uppers(u1, 5))
	_, err = step(t, c)
	require.NoError(t, err)
	_, err = step(t, c)
	require.NoError(t, err)
	assert.True(t, c.StorageWriteFrontier(u1).Equal(frontier.FromElem(5)))
}

func TestController_StatusUpdatesAreDeduplicated(t *testing.T) {
	c, fc, rec := newTestController(t, 1)
	u1 := model.User(1)
	withSource(t, c, u1, 0)
	now := time.Unix(1700000000, 0)

	fc.deliver(0, storage.StatusUpdates{Updates: []storage.StatusUpdate{
		storage.NewStatusUpdate(u1, now, storage.StatusRunning),
		storage.NewStatusUpdate(u1, now, storage.StatusCeased),
		storage.NewStatusUpdate(u1, now, storage.StatusRunning),
	}})
	_, err := step(t, c)
	require.NoError(t, err)

	require.Len(t, rec.statuses, 2)
	assert.Equal(t, storage.StatusRunning, rec.statuses[0].Status)
	assert.Equal(t, storage.StatusCeased, rec.statuses[1].Status)
	coll, _ := c.Storage.Collection(u1)
	assert.Equal(t, storage.StatusCeased, coll.Status.Status)
}

func TestController_StatusRepeatedByEveryShardIsRecordedOnce(t *testing.T) {
	c, fc, rec := newTestController(t, 3)
	u1 := model.User(1)
	withSource(t, c, u1, 0)
	now := time.Unix(1700000000, 0)

	for shard := 0; shard < 3; shard++ {
		fc.deliver(shard, storage.StatusUpdates{Updates: []storage.StatusUpdate{
			storage.NewStatusUpdate(u1, now, storage.StatusRunning),
		}})
		_, err := step(t, c)
		require.NoError(t, err)
	}
	require.Len(t, rec.statuses, 1)

	stalled := storage.NewStatusUpdate(u1, now, storage.StatusStalled)
	stalled.Error = "connection reset"
	for shard := 0; shard < 3; shard++ {
		fc.deliver(shard, storage.StatusUpdates{Updates: []storage.StatusUpdate{stalled}})
		_, err := step(t, c)
		require.NoError(t, err)
	}
	require.Len(t, rec.statuses, 2)

	stalled.Error = "timed out"
	fc.deliver(0, storage.StatusUpdates{Updates: []storage.StatusUpdate{stalled}})
	_, err := step(t, c)
	require.NoError(t, err)
	require.Len(t, rec.statuses, 3)
	assert.Equal(t, "timed out", rec.statuses[2].Error)
}

func TestController_DropRemovesCollection(t *testing.T) {
	c, fc, rec := newTestController(t, 2)
	u1 := model.User(1)
	withSource(t, c, u1, 0)

	require.NoError(t, c.Storage.AllowCompaction(context.Background(), storage.Compaction{ID: u1, Frontier: frontier.New()}))
	last := fc.sent[len(fc.sent)-1]
	assert.Equal(t, storage.AllowCompaction{Collections: []storage.Compaction{{ID: u1, Frontier: frontier.New()}}}, last)

	fc.deliver(0, storage.DroppedIDs{IDs: []model.GlobalID{u1}})
	_, err := step(t, c)
	require.NoError(t, err)
	_, ok := c.Storage.Collection(u1)
	assert.True(t, ok, "one shard still holds the collection")

	fc.deliver(1, storage.DroppedIDs{IDs: []model.GlobalID{u1}})
	_, err = step(t, c)
	require.NoError(t, err)
	_, ok = c.Storage.Collection(u1)
	assert.False(t, ok)
	require.Len(t, rec.statuses, 1)
	assert.Equal(t, storage.StatusDropped, rec.statuses[0].Status)
	assert.NotContains(t, c.Snapshot().Storage, u1)
}

func TestController_DropCancelsWaitingWatchSets(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	u1, u2 := model.User(1), model.User(2)
	withSource(t, c, u1, 0)
	withSource(t, c, u2, 0)

	c.InstallWatchSet([]model.GlobalID{u1}, 3, "conn-1")
	c.InstallWatchSet([]model.GlobalID{u2}, 3, "conn-2")
	require.Equal(t, 2, c.watchSets.Len())

	fc.deliver(0, storage.DroppedIDs{IDs: []model.GlobalID{u1}})
	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 1, c.watchSets.Len())
	assert.Equal(t, 0, c.watchSets.Pending(u1))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WatchSetsPending))

	fc.deliver(0, uppers(u2, 4))
	resp, err = step(t, c)
	require.NoError(t, err)
	assert.Equal(t, WatchSetFinished{Tokens: []any{"conn-2"}}, resp)
}

func TestController_ComputeHoldsStorageReads(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	ctx := context.Background()
	u1, idx := model.User(1), model.User(2)
	inst := model.ComputeInstanceID(1)
	withSource(t, c, u1, 0)

	require.NoError(t, c.Compute.CreateInstance(inst))
	require.NoError(t, c.Compute.CreateCollection(inst, idx, frontier.FromElem(2), u1))

	require.NoError(t, c.Storage.AllowCompaction(ctx, storage.Compaction{ID: u1, Frontier: frontier.FromElem(10)}))
	assert.True(t, c.StorageImpliedCapability(u1).Equal(frontier.FromElem(10)))
	assert.True(t, c.StorageReadCapabilities(u1).Equal(frontier.FromElem(2)), "compute hold keeps the read frontier")

	require.NoError(t, c.Compute.AllowCompaction(ctx, inst, idx, frontier.FromElem(7)))
	assert.True(t, c.ComputeReadCapability(inst, idx).Equal(frontier.FromElem(7)))
	assert.True(t, c.StorageReadCapabilities(u1).Equal(frontier.FromElem(7)))
	assert.Equal(t,
		storage.AllowCompaction{Collections: []storage.Compaction{{ID: u1, Frontier: frontier.FromElem(7)}}},
		fc.sent[len(fc.sent)-1])

	require.NoError(t, c.Compute.DropCollection(ctx, inst, idx))
	assert.True(t, c.StorageReadCapabilities(u1).Equal(frontier.FromElem(10)))
	_, err := c.Compute.FindCollection(idx)
	require.Error(t, err)
}

func TestController_ComputeHoldBelowReadFrontierIsRejected(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	u1 := model.User(1)
	inst := model.ComputeInstanceID(1)
	withSource(t, c, u1, 5)
	require.NoError(t, c.Compute.CreateInstance(inst))

	err := c.Compute.CreateCollection(inst, model.User(2), frontier.FromElem(3), u1)
	require.Error(t, err)
	assert.True(t, c.StorageReadCapabilities(u1).Equal(frontier.FromElem(5)))
	_, err = c.Compute.Collection(inst, model.User(2))
	require.Error(t, err)
}

func TestController_ComputeUpperFiresWatchSet(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	inst := model.ComputeInstanceID(1)
	idx := model.User(5)
	require.NoError(t, c.Compute.CreateInstance(inst))
	require.NoError(t, c.Compute.CreateCollection(inst, idx, frontier.Minimum()))

	c.InstallWatchSet([]model.GlobalID{idx}, 4, 42)
	c.Compute.Deliver(ComputeFrontierUpper{Instance: inst, ID: idx, Upper: frontier.FromElem(4)})
	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Nil(t, resp)

	c.Compute.Deliver(ComputeFrontierUpper{Instance: inst, ID: idx, Upper: frontier.FromElem(5)})
	resp, err = step(t, c)
	require.NoError(t, err)
	assert.Equal(t, WatchSetFinished{Tokens: []any{42}}, resp)
	assert.True(t, c.ComputeWriteFrontier(inst, idx).Equal(frontier.FromElem(5)))
}

func TestController_PassesThroughComputeResponses(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	peek := PeekResponse{UUID: uuid.New(), Rows: []string{"1"}}
	c.Compute.Deliver(peek)
	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Equal(t, peek, resp)

	sub := SubscribeResponse{ID: model.User(3), Batch: SubscribeBatch{Lower: frontier.FromElem(1), Upper: frontier.FromElem(2)}}
	c.Compute.Deliver(sub)
	resp, err = step(t, c)
	require.NoError(t, err)
	assert.Equal(t, sub, resp)
}

func TestController_ReplicaMetrics(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	mem := uint64(1 << 20)
	m := ComputeReplicaMetrics{Replica: 3, Metrics: []ServiceProcessMetrics{{MemoryBytes: &mem}}}
	c.ReportReplicaMetrics(m)
	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Equal(t, m, resp)
}

func TestController_RecordsFrontiersOnTick(t *testing.T) {
	fc := newFakeClient(1)
	rec := &memRecorder{}
	c := New(fc, Config{FrontierInterval: 5 * time.Millisecond, Recorder: rec, Logger: logger.Discard()})
	defer c.Close()
	withSource(t, c, model.User(1), 3)

	resp, err := step(t, c)
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.Len(t, rec.frontiers, 1)
	require.Len(t, rec.frontiers[0], 1)
	assert.Equal(t, model.User(1), rec.frontiers[0][0].ID)
	assert.Nil(t, rec.frontiers[0][0].Instance)
	assert.True(t, rec.frontiers[0][0].ReadFrontier.Equal(frontier.FromElem(3)))
}

func TestController_BusyInputsDoNotStarveFrontierTick(t *testing.T) {
	fc := newFakeClient(1)
	rec := &memRecorder{}
	c := New(fc, Config{FrontierInterval: 5 * time.Millisecond, Recorder: rec, Logger: logger.Discard()})
	defer c.Close()
	withSource(t, c, model.User(1), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			select {
			case fc.incoming <- storage.ShardResponse{Shard: 0, Response: storage.StatisticsUpdates{}}:
			case <-ctx.Done():
			}
		}
	}()
	go func() {
		for ctx.Err() == nil {
			c.Compute.Deliver(PeekResponse{UUID: uuid.New()})
			time.Sleep(10 * time.Microsecond)
		}
	}()

	recorded := func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.frontiers) > 0
	}
	deadline := time.Now().Add(2 * time.Second)
	for !recorded() {
		require.True(t, time.Now().Before(deadline), "frontier tick starved by busy inputs")
		_, err := step(t, c)
		require.NoError(t, err)
	}
}

func TestController_SubmitRunsOnOwnerGoroutine(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan Response, 4)
	go func() { done <- c.Run(ctx, func(r Response) { finished <- r }) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	u1 := model.User(1)
	err := c.Do(ctx, func(c *Controller) error {
		if err := c.Storage.CreateCollections(CollectionDescription{ID: u1, Since: frontier.FromElem(5)}); err != nil {
			return err
		}
		if err := c.Storage.RunIngestions(ctx, ingestion(u1)); err != nil {
			return err
		}
		c.InstallWatchSet([]model.GlobalID{u1}, 7, "done")
		return nil
	})
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Contains(t, snap.Storage, u1)
	assert.True(t, snap.StorageImpliedCapability(u1).Equal(frontier.FromElem(5)))

	fc.deliver(0, uppers(u1, 8))
	select {
	case r := <-finished:
		assert.Equal(t, WatchSetFinished{Tokens: []any{"done"}}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("watch set never fired")
	}
}

func TestSnapshot_ServesDeterminations(t *testing.T) {
	c, fc, _ := newTestController(t, 1)
	u1 := model.User(1)
	withSource(t, c, u1, 5)
	fc.deliver(0, uppers(u1, 10))
	_, err := step(t, c)
	require.NoError(t, err)

	snap := c.Snapshot()
	b := model.NewBundle()
	b.AddStorage(u1)
	require.True(t, snap.Contains(b))

	det, err := timestamp.DetermineTimestampFor(snap, timestamp.Request{
		Bundle:    b,
		When:      timestamp.Immediately(),
		Timeline:  model.TimelineContext{Kind: model.TimestampDependent},
		Isolation: model.Serializable,
	})
	require.NoError(t, err)
	ts, ok := det.Context.Timestamp()
	require.True(t, ok)
	assert.Equal(t, model.Timestamp(9), ts)

	missing := model.NewBundle()
	missing.AddStorage(model.User(2))
	assert.False(t, snap.Contains(missing))
	assert.Panics(t, func() { snap.StorageWriteFrontier(model.User(2)) })
}

func TestController_RecentTimestampIsMinimum(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	ts, err := c.RecentTimestamp(context.Background(), []model.GlobalID{model.User(1)})
	require.NoError(t, err)
	assert.Equal(t, model.MinTimestamp, ts)
}

func TestController_InstallOnUnknownCollectionPanics(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	assert.Panics(t, func() { c.InstallWatchSet([]model.GlobalID{model.User(9)}, 1, nil) })
}
