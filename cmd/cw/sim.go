package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// settleTimeout bounds how long a scenario may take to reach its frontiers.
const settleTimeout = 5 * time.Second

// sim is a controller backed by in-memory storage shards.
type sim struct {
	ctrl   *controller.Controller
	client *storage.PartitionedClient
	shards []*storage.LocalShard
}

func newSim(parts int, cfg controller.Config, log *slog.Logger) *sim {
	shards := make([]*storage.LocalShard, parts)
	clients := make([]storage.Client, parts)
	for i := range shards {
		shards[i] = storage.NewLocalShard(i, log.With("shard", i))
		clients[i] = shards[i]
	}
	client := storage.NewPartitionedClient(clients, log)
	cfg.Logger = log
	return &sim{
		ctrl:   controller.New(client, cfg),
		client: client,
		shards: shards,
	}
}

// Run pumps shard responses until ctx ends.
func (s *sim) Run(ctx context.Context) error { return s.client.Run(ctx) }

// Close stops the controller's timers.
func (s *sim) Close() { s.ctrl.Close() }

// advance reports upper for ids from every shard.
func (s *sim) advance(upper frontier.Antichain, ids ...model.GlobalID) {
	for _, sh := range s.shards {
		sh.Advance(upper, ids...)
	}
}

// settle steps the controller until done reports true. It must not run
// concurrently with Controller.Run.
func (s *sim) settle(ctx context.Context, done func(*controller.Controller) bool) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for !done(s.ctrl) {
		if err := s.ctrl.Ready(ctx); err != nil {
			return errors.Wrap(err, "frontiers did not settle")
		}
		if _, err := s.ctrl.Process(ctx); err != nil {
			return err
		}
	}
	return nil
}
