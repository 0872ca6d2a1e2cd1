package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

type computeInstance struct {
	id          model.ComputeInstanceID
	collections map[model.GlobalID]*ComputeCollection
}

// ComputeController tracks compute instances and the collections they
// maintain. Compute collections hold reads on their storage inputs at their
// read frontier. Deliver is safe to call from any goroutine; everything
// else belongs to the controller goroutine.
type ComputeController struct {
	instances   map[model.ComputeInstanceID]*computeInstance
	storage     *StorageController
	inbox       *mailbox[ComputeMessage]
	initialized bool
	logger      *slog.Logger
}

// NewComputeController returns a controller whose collections hold reads
// on storage.
func NewComputeController(storage *StorageController, logger *slog.Logger) *ComputeController {
	return &ComputeController{
		instances: make(map[model.ComputeInstanceID]*computeInstance),
		storage:   storage,
		inbox:     newMailbox[ComputeMessage](),
		logger:    logger,
	}
}

// Deliver queues a response from a compute instance.
func (c *ComputeController) Deliver(msg ComputeMessage) { c.inbox.Push(msg) }

// InitializationComplete marks the end of reconciliation.
func (c *ComputeController) InitializationComplete() { c.initialized = true }

// Initialized reports whether InitializationComplete was called.
func (c *ComputeController) Initialized() bool { return c.initialized }

// CreateInstance registers an empty compute instance.
func (c *ComputeController) CreateInstance(id model.ComputeInstanceID) error {
	if _, ok := c.instances[id]; ok {
		return errors.Newf("compute instance %s already exists", id)
	}
	c.instances[id] = &computeInstance{id: id, collections: make(map[model.GlobalID]*ComputeCollection)}
	return nil
}

// InstanceExists reports whether id is registered.
func (c *ComputeController) InstanceExists(id model.ComputeInstanceID) bool {
	_, ok := c.instances[id]
	return ok
}

func (c *ComputeController) instance(id model.ComputeInstanceID) (*computeInstance, error) {
	inst, ok := c.instances[id]
	if !ok {
		return nil, errors.Newf("compute instance %s not found", id)
	}
	return inst, nil
}

// CreateCollection installs a collection on instance readable from asOf.
// It holds reads on every storage dependency at asOf.
func (c *ComputeController) CreateCollection(instance model.ComputeInstanceID, id model.GlobalID, asOf frontier.Antichain, storageDeps ...model.GlobalID) error {
	inst, err := c.instance(instance)
	if err != nil {
		return err
	}
	if _, ok := inst.collections[id]; ok {
		return errors.Newf("collection %s already exists on instance %s", id, instance)
	}
	for i, dep := range storageDeps {
		if err := c.storage.AcquireReadHold(dep, asOf); err != nil {
			for _, held := range storageDeps[:i] {
				// Undo the holds acquired so far.
				c.storage.collections[held].readCapabilities.UpdateIter(asOf, -1)
			}
			return errors.Wrapf(err, "create collection %s", id)
		}
	}
	inst.collections[id] = &ComputeCollection{
		collectionState:     newCollectionState(asOf),
		ID:                  id,
		Instance:            instance,
		StorageDependencies: storageDeps,
	}
	c.logger.Debug("created compute collection", "instance", instance, "id", id, "as_of", asOf)
	return nil
}

// DropCollection removes a collection and releases its storage holds.
func (c *ComputeController) DropCollection(ctx context.Context, instance model.ComputeInstanceID, id model.GlobalID) error {
	coll, err := c.Collection(instance, id)
	if err != nil {
		return err
	}
	hold := coll.ReadFrontier()
	delete(c.instances[instance].collections, id)
	for _, dep := range coll.StorageDependencies {
		if err := c.storage.DowngradeReadHold(ctx, dep, hold, frontier.New()); err != nil {
			return errors.Wrapf(err, "drop collection %s", id)
		}
	}
	return nil
}

// AllowCompaction downgrades the collection's implied capability and moves
// its storage holds along with its read frontier.
func (c *ComputeController) AllowCompaction(ctx context.Context, instance model.ComputeInstanceID, id model.GlobalID, f frontier.Antichain) error {
	coll, err := c.Collection(instance, id)
	if err != nil {
		return err
	}
	before := coll.ReadFrontier()
	if !coll.downgradeImplied(f) {
		return nil
	}
	after := coll.ReadFrontier()
	if after.Equal(before) {
		return nil
	}
	for _, dep := range coll.StorageDependencies {
		if err := c.storage.DowngradeReadHold(ctx, dep, before, after); err != nil {
			return errors.Wrapf(err, "compact collection %s", id)
		}
	}
	return nil
}

// Collection returns a collection of one instance.
func (c *ComputeController) Collection(instance model.ComputeInstanceID, id model.GlobalID) (*ComputeCollection, error) {
	inst, err := c.instance(instance)
	if err != nil {
		return nil, err
	}
	coll, ok := inst.collections[id]
	if !ok {
		return nil, errors.Newf("collection %s not found on instance %s", id, instance)
	}
	return coll, nil
}

// FindCollection searches every instance for id.
func (c *ComputeController) FindCollection(id model.GlobalID) (*ComputeCollection, error) {
	for _, instID := range c.InstanceIDs() {
		if coll, ok := c.instances[instID].collections[id]; ok {
			return coll, nil
		}
	}
	return nil, errors.Newf("collection %s not found in any compute instance", id)
}

// InstanceIDs returns the registered instances in order.
func (c *ComputeController) InstanceIDs() []model.ComputeInstanceID {
	out := make([]model.ComputeInstanceID, 0, len(c.instances))
	for id := range c.instances {
		out = append(out, id)
	}
	sortInstances(out)
	return out
}

// Process applies one delivered message. Frontier reports are returned as
// advanced frontiers; everything else is passed through as a Response.
func (c *ComputeController) Process(msg ComputeMessage) (Response, []storage.FrontierUpper) {
	switch msg := msg.(type) {
	case ComputeFrontierUpper:
		coll, err := c.Collection(msg.Instance, msg.ID)
		if err != nil {
			c.logger.Warn("upper for unknown compute collection", "error", err)
			return nil, nil
		}
		if !coll.advanceWrite(msg.Upper) {
			return nil, nil
		}
		return nil, []storage.FrontierUpper{{ID: msg.ID, Upper: coll.WriteFrontier()}}
	case PeekResponse:
		return msg, nil
	case SubscribeResponse:
		return msg, nil
	case CopyToResponse:
		return msg, nil
	default:
		c.logger.Error("unexpected compute message", "type", fmt.Sprintf("%T", msg))
		return nil, nil
	}
}

func (c *ComputeController) frontierRecords() []FrontierRecord {
	var out []FrontierRecord
	for _, instID := range c.InstanceIDs() {
		inst := c.instances[instID]
		ids := make([]model.GlobalID, 0, len(inst.collections))
		for id := range inst.collections {
			ids = append(ids, id)
		}
		sortIDs(ids)
		for _, id := range ids {
			coll := inst.collections[id]
			out = append(out, FrontierRecord{
				ID:            id,
				Instance:      &instID,
				ReadFrontier:  coll.ReadFrontier(),
				WriteFrontier: coll.WriteFrontier(),
			})
		}
	}
	return out
}
