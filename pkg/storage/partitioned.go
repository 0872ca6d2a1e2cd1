package storage

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// shardedUpper is the write progress of one collection across shards.
type shardedUpper struct {
	// frontier counts, per time, the shards whose upper is that time.
	frontier *frontier.MutableAntichain
	// shards holds each shard's upper; nil once the shard dropped the
	// collection.
	shards []*frontier.Antichain
}

// PartitionedState merges the reports of parts storage shards into the
// stream a single storage server would produce. A collection's consolidated
// upper is the meet of its shard uppers; it is reported only when it
// strictly advances, and a drop is reported once every shard dropped.
//
// PartitionedState is not safe for concurrent use.
type PartitionedState struct {
	parts  int
	uppers map[model.GlobalID]*shardedUpper
}

// NewPartitionedState returns the state for parts shards.
func NewPartitionedState(parts int) *PartitionedState {
	if parts <= 0 {
		panic("partitioned state needs at least one shard")
	}
	return &PartitionedState{parts: parts, uppers: make(map[model.GlobalID]*shardedUpper)}
}

// Parts returns the number of shards.
func (s *PartitionedState) Parts() int { return s.parts }

// Tracked reports whether id awaits shard reports.
func (s *PartitionedState) Tracked(id model.GlobalID) bool {
	_, ok := s.uppers[id]
	return ok
}

// Upper returns the consolidated upper of id.
func (s *PartitionedState) Upper(id model.GlobalID) (frontier.Antichain, bool) {
	u, ok := s.uppers[id]
	if !ok {
		return frontier.Antichain{}, false
	}
	return u.frontier.Frontier(), true
}

// ShardUpper returns the upper shard last reported for id. It reports false
// when id is untracked or the shard has dropped it.
func (s *PartitionedState) ShardUpper(id model.GlobalID, shard int) (frontier.Antichain, bool) {
	u, ok := s.uppers[id]
	if !ok || shard < 0 || shard >= s.parts || u.shards[shard] == nil {
		return frontier.Antichain{}, false
	}
	return u.shards[shard].Clone(), true
}

func (s *PartitionedState) observeCommand(cmd Command) {
	switch cmd := cmd.(type) {
	case RunIngestions:
		for _, in := range cmd.Ingestions {
			s.insertNewUppers(in.SubsourceIDs())
		}
	case RunSinks:
		for _, sink := range cmd.Sinks {
			s.insertNewUppers([]model.GlobalID{sink.ID})
		}
	}
}

func (s *PartitionedState) insertNewUppers(ids []model.GlobalID) {
	for _, id := range ids {
		if _, ok := s.uppers[id]; ok {
			continue
		}
		shards := make([]*frontier.Antichain, s.parts)
		for i := range shards {
			m := frontier.Minimum()
			shards[i] = &m
		}
		s.uppers[id] = &shardedUpper{
			frontier: frontier.NewMutableAntichainWith(model.MinTimestamp, int64(s.parts)),
			shards:   shards,
		}
	}
}

// SplitCommand observes cmd and returns the command for each shard, indexed
// by shard. CreateTimely is addressed to each process; every other command
// goes to all shards unchanged.
func (s *PartitionedState) SplitCommand(cmd Command) []Command {
	s.observeCommand(cmd)

	out := make([]Command, s.parts)
	if ct, ok := cmd.(CreateTimely); ok {
		for i, cfg := range ct.Config.Split(s.parts) {
			out[i] = CreateTimely{Config: cfg, Epoch: ct.Epoch}
		}
		return out
	}
	for i := range out {
		out[i] = cmd
	}
	return out
}

// AbsorbResponse folds a response from shard into the state. It returns the
// response to forward upwards, or nil when there is nothing to report yet.
//
// A report naming an untracked collection, a dropped shard, or an
// out-of-range shard is a protocol violation. Those return an assertion
// failure and leave the state untouched.
func (s *PartitionedState) AbsorbResponse(shard int, resp Response) (Response, error) {
	if shard < 0 || shard >= s.parts {
		return nil, errors.AssertionFailedf("response from shard %d of %d", shard, s.parts)
	}
	switch resp := resp.(type) {
	case FrontierUppers:
		return s.absorbUppers(shard, resp)
	case DroppedIDs:
		return s.absorbDrops(shard, resp)
	case StatisticsUpdates, StatusUpdates:
		return resp, nil
	default:
		return nil, errors.AssertionFailedf("unexpected storage response %T", resp)
	}
}

func (s *PartitionedState) lookup(id model.GlobalID, shard int) (*shardedUpper, error) {
	u, ok := s.uppers[id]
	if !ok {
		return nil, errors.AssertionFailedf("reference to absent collection: %s", id)
	}
	if u.shards[shard] == nil {
		return nil, errors.AssertionFailedf("reference to absent shard %d for collection %s", shard, id)
	}
	return u, nil
}

func (s *PartitionedState) absorbUppers(shard int, resp FrontierUppers) (Response, error) {
	for _, fu := range resp.Uppers {
		if _, err := s.lookup(fu.ID, shard); err != nil {
			return nil, err
		}
	}

	var advanced []FrontierUpper
	for _, fu := range resp.Uppers {
		u := s.uppers[fu.ID]
		old := u.frontier.Frontier()
		prev := u.shards[shard]
		// A stale report must not move the shard backwards; the shard's
		// contribution is the join of what it reported so far.
		next := prev.Join(fu.Upper)
		u.frontier.UpdateIter(*prev, -1)
		u.frontier.UpdateIter(next, 1)
		*prev = next

		cur := u.frontier.Frontier()
		if frontier.FrontierLessThan(old, cur) {
			advanced = append(advanced, FrontierUpper{ID: fu.ID, Upper: cur})
		}
	}
	if len(advanced) == 0 {
		return nil, nil
	}
	return FrontierUppers{Uppers: advanced}, nil
}

func (s *PartitionedState) absorbDrops(shard int, resp DroppedIDs) (Response, error) {
	seen := make(map[model.GlobalID]struct{}, len(resp.IDs))
	for _, id := range resp.IDs {
		if _, dup := seen[id]; dup {
			return nil, errors.AssertionFailedf("got double drop for %s from shard %d", id, shard)
		}
		seen[id] = struct{}{}
		if _, err := s.lookup(id, shard); err != nil {
			if s.Tracked(id) {
				return nil, errors.AssertionFailedf("got double drop for %s from shard %d", id, shard)
			}
			return nil, err
		}
	}

	var dropped []model.GlobalID
	for _, id := range resp.IDs {
		u := s.uppers[id]
		u.shards[shard] = nil
		if !slices.ContainsFunc(u.shards, func(a *frontier.Antichain) bool { return a != nil }) {
			delete(s.uppers, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	slices.SortFunc(dropped, model.GlobalID.Compare)
	return DroppedIDs{IDs: dropped}, nil
}
