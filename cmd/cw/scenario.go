package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/daviddao/clockwork/pkg/clock"
	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

// scenario describes collections, their frontiers and one query.
type scenario struct {
	Isolation string `toml:"isolation"`
	// When is immediately, freshest_table_write, as_of or at_least.
	When string `toml:"when"`
	// AsOf is the expression of as_of and at_least.
	AsOf string `toml:"as_of"`
	// Timeline is empty for a timestamp-dependent query, "independent",
	// or the name of the timeline the query depends on.
	Timeline          string  `toml:"timeline"`
	Instance          uint64  `toml:"instance"`
	OracleTS          *uint64 `toml:"oracle_ts"`
	SessionTS         *uint64 `toml:"session_ts"`
	RealTimeRecency   bool    `toml:"real_time_recency"`
	RealTimeRecencyTS *uint64 `toml:"real_time_recency_ts"`
	// WallTime is RFC 3339; empty means now.
	WallTime string `toml:"wall_time"`

	Storage []scenarioStorage `toml:"storage"`
	Compute []scenarioCompute `toml:"compute"`
}

type scenarioStorage struct {
	ID    string   `toml:"id"`
	Since []uint64 `toml:"since"`
	Upper []uint64 `toml:"upper"`
	// Closed sets the empty upper.
	Closed bool `toml:"closed"`
}

type scenarioCompute struct {
	Instance  uint64   `toml:"instance"`
	ID        string   `toml:"id"`
	AsOf      []uint64 `toml:"as_of"`
	Upper     []uint64 `toml:"upper"`
	Closed    bool     `toml:"closed"`
	DependsOn []string `toml:"depends_on"`
}

func loadScenario(path string) (scenario, error) {
	var sc scenario
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := toml.Unmarshal(b, &sc); err != nil {
		return sc, errors.Wrapf(err, "decode %s", path)
	}
	return sc, nil
}

func antichain(ts []uint64, closed bool) frontier.Antichain {
	if closed {
		return frontier.New()
	}
	if len(ts) == 0 {
		return frontier.Minimum()
	}
	out := frontier.New()
	for _, t := range ts {
		out.Insert(model.Timestamp(t))
	}
	return out
}

func tsPtr(v *uint64) *model.Timestamp {
	if v == nil {
		return nil
	}
	t := model.Timestamp(*v)
	return &t
}

func parseIDs(raw []string) ([]model.GlobalID, error) {
	out := make([]model.GlobalID, len(raw))
	for i, s := range raw {
		id, err := model.ParseGlobalID(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func (sc scenario) when() (timestamp.QueryWhen, error) {
	switch strings.ToLower(sc.When) {
	case "", "immediately":
		return timestamp.Immediately(), nil
	case "freshest_table_write":
		return timestamp.FreshestTableWrite(), nil
	case "as_of", "at_least":
		expr, err := timestamp.ParseExpr(sc.AsOf)
		if err != nil {
			return timestamp.QueryWhen{}, err
		}
		if strings.EqualFold(sc.When, "as_of") {
			return timestamp.AtTimestamp(expr), nil
		}
		return timestamp.AtLeastTimestamp(expr), nil
	default:
		return timestamp.QueryWhen{}, errors.Newf("unknown when %q", sc.When)
	}
}

func (sc scenario) timelineContext() model.TimelineContext {
	switch sc.Timeline {
	case "":
		return model.TimelineContext{Kind: model.TimestampDependent}
	case "independent":
		return model.TimelineContext{Kind: model.TimestampIndependent}
	default:
		return model.DependentOn(model.Timeline(sc.Timeline))
	}
}

func (sc scenario) isolation() (model.IsolationLevel, error) {
	if sc.Isolation == "" {
		return model.StrictSerializable, nil
	}
	return model.ParseIsolationLevel(sc.Isolation)
}

func (sc scenario) wallTime() (time.Time, error) {
	if sc.WallTime == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339Nano, sc.WallTime)
}

// install creates the scenario's collections on s and drives them to their
// uppers.
func (sc scenario) install(ctx context.Context, s *sim) (model.CollectionIDBundle, error) {
	bundle := model.NewBundle()
	targets := make(map[model.GlobalID]frontier.Antichain)

	var ingest []model.GlobalID
	for _, st := range sc.Storage {
		id, err := model.ParseGlobalID(st.ID)
		if err != nil {
			return bundle, err
		}
		since := antichain(st.Since, false)
		if err := s.ctrl.Storage.CreateCollections(controller.CollectionDescription{ID: id, Since: since}); err != nil {
			return bundle, err
		}
		ingest = append(ingest, id)
		targets[id] = antichain(st.Upper, st.Closed)
		bundle.AddStorage(id)
	}
	if len(ingest) > 0 {
		cmds := make([]storage.RunIngestionCommand, len(ingest))
		for i, id := range ingest {
			cmds[i] = storage.RunIngestionCommand{ID: id}
		}
		if err := s.ctrl.Storage.RunIngestions(ctx, cmds...); err != nil {
			return bundle, err
		}
	}

	computeTargets := make(map[model.ComputeInstanceID]map[model.GlobalID]frontier.Antichain)
	for _, cc := range sc.Compute {
		id, err := model.ParseGlobalID(cc.ID)
		if err != nil {
			return bundle, err
		}
		deps, err := parseIDs(cc.DependsOn)
		if err != nil {
			return bundle, err
		}
		inst := model.ComputeInstanceID(cc.Instance)
		if !s.ctrl.Compute.InstanceExists(inst) {
			if err := s.ctrl.Compute.CreateInstance(inst); err != nil {
				return bundle, err
			}
			computeTargets[inst] = make(map[model.GlobalID]frontier.Antichain)
		}
		if err := s.ctrl.Compute.CreateCollection(inst, id, antichain(cc.AsOf, false), deps...); err != nil {
			return bundle, err
		}
		upper := antichain(cc.Upper, cc.Closed)
		computeTargets[inst][id] = upper
		s.ctrl.Compute.Deliver(controller.ComputeFrontierUpper{Instance: inst, ID: id, Upper: upper})
		bundle.AddCompute(inst, id)
	}

	for id, upper := range targets {
		s.advance(upper, id)
	}
	err := s.settle(ctx, func(c *controller.Controller) bool {
		for id, upper := range targets {
			if !c.StorageWriteFrontier(id).Equal(upper) {
				return false
			}
		}
		for inst, colls := range computeTargets {
			for id, upper := range colls {
				if !c.ComputeWriteFrontier(inst, id).Equal(upper) {
					return false
				}
			}
		}
		return true
	})
	return bundle, err
}

// oracles returns a registry whose oracle for the scenario's timeline
// starts at oracle_ts.
func (sc scenario) oracles() *clock.Registry {
	reg := clock.NewRegistry()
	if sc.OracleTS == nil {
		return reg
	}
	tl, ok := sc.timelineContext().ResolveTimeline()
	if !ok {
		return reg
	}
	at := model.Timestamp(*sc.OracleTS)
	reg.SetNow(tl, func() model.Timestamp { return at })
	return reg
}

func (sc scenario) session() timestamp.Session {
	s := timestamp.BasicSession{ID: 1, RTR: sc.RealTimeRecency}
	if sc.SessionTS == nil {
		return s
	}
	if tl, ok := sc.timelineContext().ResolveTimeline(); ok {
		var so clock.SessionOracle
		so.ApplyWrite(model.Timestamp(*sc.SessionTS))
		s.Oracles = map[model.Timeline]timestamp.SessionOracle{tl: &so}
	}
	return s
}
