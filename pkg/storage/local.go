package storage

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// LocalShard is an in-memory storage shard. It accepts the storage protocol
// and lets the caller drive ingestion progress with Advance, Fail and
// Ingest.
type LocalShard struct {
	index  int
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	config      *TimelyConfig
	initialized bool
	params      map[string]string
	uppers      map[model.GlobalID]frontier.Antichain
	sinks       map[model.GlobalID]struct{}
	ceased      map[model.GlobalID]struct{}
	stats       map[model.GlobalID]*SourceStatisticsUpdate
	queue       []Response
	notify      chan struct{}
}

var _ Client = (*LocalShard)(nil)

// NewLocalShard returns the shard with the given process index.
func NewLocalShard(index int, logger *slog.Logger) *LocalShard {
	return &LocalShard{
		index:  index,
		logger: logger.With("shard", index),
		now:    time.Now,
		params: make(map[string]string),
		uppers: make(map[model.GlobalID]frontier.Antichain),
		sinks:  make(map[model.GlobalID]struct{}),
		ceased: make(map[model.GlobalID]struct{}),
		stats:  make(map[model.GlobalID]*SourceStatisticsUpdate),
		notify: make(chan struct{}, 1),
	}
}

// push queues resp. Callers hold mu.
func (s *LocalShard) push(resp Response) {
	s.queue = append(s.queue, resp)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Send applies cmd.
func (s *LocalShard) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd := cmd.(type) {
	case CreateTimely:
		if cmd.Config.Process != s.index {
			return errors.Newf("CreateTimely for process %d sent to shard %d", cmd.Config.Process, s.index)
		}
		cfg := cmd.Config
		s.config = &cfg
	case InitializationComplete:
		s.initialized = true
	case UpdateConfiguration:
		maps.Copy(s.params, cmd.Params)
	case RunIngestions:
		var updates []StatusUpdate
		for _, in := range cmd.Ingestions {
			for _, id := range in.SubsourceIDs() {
				if _, ok := s.uppers[id]; ok {
					continue
				}
				s.uppers[id] = frontier.Minimum()
				s.stats[id] = &SourceStatisticsUpdate{ID: id}
				updates = append(updates, NewStatusUpdate(id, s.now(), StatusRunning))
			}
		}
		if len(updates) > 0 {
			s.push(StatusUpdates{Updates: updates})
		}
	case RunSinks:
		for _, sink := range cmd.Sinks {
			if _, ok := s.uppers[sink.ID]; ok {
				continue
			}
			s.uppers[sink.ID] = frontier.Minimum()
			s.sinks[sink.ID] = struct{}{}
		}
	case AllowCompaction:
		var dropped []model.GlobalID
		for _, c := range cmd.Collections {
			if !c.Frontier.IsEmpty() {
				continue
			}
			if _, ok := s.uppers[c.ID]; !ok {
				continue
			}
			delete(s.uppers, c.ID)
			delete(s.sinks, c.ID)
			delete(s.stats, c.ID)
			dropped = append(dropped, c.ID)
		}
		if len(dropped) > 0 {
			s.push(DroppedIDs{IDs: dropped})
		}
	default:
		return errors.AssertionFailedf("unexpected storage command %T", cmd)
	}
	s.logger.Debug("applied storage command", "command", cmd.Kind())
	return nil
}

// Recv returns the next queued response.
func (s *LocalShard) Recv(ctx context.Context) (Response, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			resp := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return resp, nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Advance moves the upper of ids to upper and reports it. Ids the shard does
// not run, and ids already at or past upper, are skipped.
func (s *LocalShard) Advance(upper frontier.Antichain, ids ...model.GlobalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FrontierUpper
	for _, id := range ids {
		cur, ok := s.uppers[id]
		if !ok || !frontier.FrontierLessThan(cur, upper) {
			continue
		}
		s.uppers[id] = upper.Clone()
		out = append(out, FrontierUpper{ID: id, Upper: upper.Clone()})
	}
	if len(out) > 0 {
		s.push(FrontierUppers{Uppers: out})
	}
}

// AdvanceAll moves every collection the shard runs to upper.
func (s *LocalShard) AdvanceAll(upper frontier.Antichain) {
	s.Advance(upper, s.IDs()...)
}

// IDs returns the collections the shard runs.
func (s *LocalShard) IDs() []model.GlobalID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.GlobalID, 0, len(s.uppers))
	for id := range s.uppers {
		ids = append(ids, id)
	}
	return ids
}

// Ingest counts received messages for the next statistics report.
func (s *LocalShard) Ingest(id model.GlobalID, messages, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[id]; ok {
		st.MessagesReceived += messages
		st.BytesReceived += bytes
		st.UpdatesStaged += messages
	}
}

// ReportStatistics reports and resets the counters of every source.
func (s *LocalShard) ReportStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sources []SourceStatisticsUpdate
	for id, st := range s.stats {
		st.UpdatesCommitted = st.UpdatesStaged
		st.SnapshotCommitted = true
		sources = append(sources, *st)
		s.stats[id] = &SourceStatisticsUpdate{ID: id}
	}
	var sinks []SinkStatisticsUpdate
	for id := range s.sinks {
		sinks = append(sinks, SinkStatisticsUpdate{ID: id})
	}
	if len(sources)+len(sinks) > 0 {
		s.push(StatisticsUpdates{Sources: sources, Sinks: sinks})
	}
}

// Fail reports a definite error for id. The collection ceases and the error
// is reported once; later failures of the same collection are ignored.
func (s *LocalShard) Fail(id model.GlobalID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uppers[id]; !ok {
		return
	}
	if _, ok := s.ceased[id]; ok {
		return
	}
	s.ceased[id] = struct{}{}
	u := NewStatusUpdate(id, s.now(), StatusCeased)
	u.Error = cause.Error()
	s.push(StatusUpdates{Updates: []StatusUpdate{u}})
}

// Initialized reports whether InitializationComplete arrived.
func (s *LocalShard) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Config returns the cluster config the shard received, if any.
func (s *LocalShard) Config() (TimelyConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return TimelyConfig{}, false
	}
	return *s.config, true
}
