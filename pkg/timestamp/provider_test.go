package timestamp

import (
	"context"
	"sync"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

type collection struct {
	readCapability frontier.Antichain
	writeFrontier  frontier.Antichain
}

type computeKey struct {
	instance model.ComputeInstanceID
	id       model.GlobalID
}

// fakeProvider is a map-backed Provider. Read frontiers equal read
// capabilities.
type fakeProvider struct {
	storage map[model.GlobalID]collection
	compute map[computeKey]collection
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		storage: make(map[model.GlobalID]collection),
		compute: make(map[computeKey]collection),
	}
}

func (p *fakeProvider) addStorage(id model.GlobalID, since, upper frontier.Antichain) {
	p.storage[id] = collection{readCapability: since, writeFrontier: upper}
}

func (p *fakeProvider) addCompute(inst model.ComputeInstanceID, id model.GlobalID, since, upper frontier.Antichain) {
	p.compute[computeKey{inst, id}] = collection{readCapability: since, writeFrontier: upper}
}

func (p *fakeProvider) mustCompute(inst model.ComputeInstanceID, id model.GlobalID) collection {
	c, ok := p.compute[computeKey{inst, id}]
	if !ok {
		panic("id does not exist")
	}
	return c
}

func (p *fakeProvider) mustStorage(id model.GlobalID) collection {
	c, ok := p.storage[id]
	if !ok {
		panic("id does not exist")
	}
	return c
}

func (p *fakeProvider) ComputeReadFrontier(inst model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return p.mustCompute(inst, id).readCapability
}

func (p *fakeProvider) ComputeReadCapability(inst model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return p.mustCompute(inst, id).readCapability
}

func (p *fakeProvider) ComputeWriteFrontier(inst model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return p.mustCompute(inst, id).writeFrontier
}

func (p *fakeProvider) StorageReadCapabilities(id model.GlobalID) frontier.Antichain {
	return p.mustStorage(id).readCapability
}

func (p *fakeProvider) StorageImpliedCapability(id model.GlobalID) frontier.Antichain {
	return p.mustStorage(id).readCapability
}

func (p *fakeProvider) StorageWriteFrontier(id model.GlobalID) frontier.Antichain {
	return p.mustStorage(id).writeFrontier
}

type fakeSessionOracle model.Timestamp

func (o fakeSessionOracle) ReadTS() model.Timestamp { return model.Timestamp(o) }

// fakeOracle is a TimestampOracle with a settable read timestamp.
type fakeOracle struct {
	mu    sync.Mutex
	read  model.Timestamp
	reads int
}

func (o *fakeOracle) ReadTS(ctx context.Context) (model.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads++
	return o.read, nil
}

func (o *fakeOracle) WriteTS(ctx context.Context) (model.Timestamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.read++
	return o.read, nil
}

func (o *fakeOracle) ApplyWrite(ctx context.Context, ts model.Timestamp) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.read = o.read.Join(ts)
	return nil
}

type fakeRegistry map[model.Timeline]*fakeOracle

func (r fakeRegistry) Oracle(tl model.Timeline) TimestampOracle { return r[tl] }

func tsPtr(t model.Timestamp) *model.Timestamp { return &t }
