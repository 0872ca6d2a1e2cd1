package storage

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/clockwork/pkg/metrics"
)

// Client is a connection to storage. Send and Recv may be called from
// different goroutines.
type Client interface {
	Send(ctx context.Context, cmd Command) error
	// Recv blocks until a response is available or ctx is done.
	Recv(ctx context.Context) (Response, error)
}

// ShardResponse is a response tagged with the shard that produced it.
type ShardResponse struct {
	Shard    int
	Response Response
}

// PartitionedClient presents a set of shard clients as one. Commands are
// split across shards and responses are consolidated by a PartitionedState.
//
// Run pumps shard responses into Incoming. Absorb, Send and Recv mutate the
// consolidation state and must be called from a single goroutine.
type PartitionedClient struct {
	shards   []Client
	state    *PartitionedState
	incoming chan ShardResponse
	logger   *slog.Logger
}

var _ Client = (*PartitionedClient)(nil)

// NewPartitionedClient returns a client over shards.
func NewPartitionedClient(shards []Client, logger *slog.Logger) *PartitionedClient {
	return &PartitionedClient{
		shards:   shards,
		state:    NewPartitionedState(len(shards)),
		incoming: make(chan ShardResponse),
		logger:   logger,
	}
}

// State exposes the consolidation state.
func (c *PartitionedClient) State() *PartitionedState { return c.state }

// Send splits cmd and sends each part to its shard.
func (c *PartitionedClient) Send(ctx context.Context, cmd Command) error {
	for i, part := range c.state.SplitCommand(cmd) {
		if err := c.shards[i].Send(ctx, part); err != nil {
			return errors.Wrapf(err, "send %s to shard %d", cmd.Kind(), i)
		}
	}
	return nil
}

// Run receives from every shard until ctx is done or a shard fails, and
// delivers the responses on Incoming.
func (c *PartitionedClient) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range c.shards {
		g.Go(func() error {
			for {
				resp, err := shard.Recv(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return errors.Wrapf(err, "recv from shard %d", i)
				}
				select {
				case c.incoming <- ShardResponse{Shard: i, Response: resp}:
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Incoming carries raw shard responses while Run is active.
func (c *PartitionedClient) Incoming() <-chan ShardResponse { return c.incoming }

// Absorb consolidates one shard response. A nil response means there is
// nothing to forward yet.
func (c *PartitionedClient) Absorb(sr ShardResponse) (Response, error) {
	resp, err := c.state.AbsorbResponse(sr.Shard, sr.Response)
	if err != nil {
		kind := responseKind(sr.Response)
		metrics.StorageProtocolViolations.WithLabelValues(kind).Inc()
		c.logger.Error("rejected storage response",
			"shard", sr.Shard,
			"response", kind,
			"error", err)
		return nil, err
	}
	return resp, nil
}

func responseKind(r Response) string {
	if r == nil {
		return "nil"
	}
	return r.Kind()
}

// Recv returns the next consolidated response. It requires Run to be
// active.
func (c *PartitionedClient) Recv(ctx context.Context) (Response, error) {
	for {
		select {
		case sr := <-c.incoming:
			resp, err := c.Absorb(sr)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				return resp, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
