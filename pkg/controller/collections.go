package controller

import (
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// Collection is the frontier state every collection exposes, whether it is
// maintained by storage or by a compute instance.
type Collection interface {
	// ReadCapability is the capability implied by the collection's
	// creation, as downgraded by compaction.
	ReadCapability() frontier.Antichain
	// ReadFrontier is the accumulation of every read hold.
	ReadFrontier() frontier.Antichain
	// WriteFrontier is the latest reported upper.
	WriteFrontier() frontier.Antichain
}

// collectionState is shared by storage and compute collections.
type collectionState struct {
	impliedCapability frontier.Antichain
	readCapabilities  *frontier.MutableAntichain
	writeFrontier     frontier.Antichain
}

func newCollectionState(since frontier.Antichain) collectionState {
	caps := frontier.NewMutableAntichain()
	caps.UpdateIter(since, 1)
	return collectionState{
		impliedCapability: since.Clone(),
		readCapabilities:  caps,
		writeFrontier:     frontier.Minimum(),
	}
}

func (c *collectionState) ReadCapability() frontier.Antichain { return c.impliedCapability.Clone() }

func (c *collectionState) ReadFrontier() frontier.Antichain { return c.readCapabilities.Frontier() }

func (c *collectionState) WriteFrontier() frontier.Antichain { return c.writeFrontier.Clone() }

// downgradeImplied moves the implied capability to its join with f and
// returns whether it changed.
func (c *collectionState) downgradeImplied(f frontier.Antichain) bool {
	next := c.impliedCapability.Join(f)
	if next.Equal(c.impliedCapability) {
		return false
	}
	c.readCapabilities.UpdateIter(c.impliedCapability, -1)
	c.readCapabilities.UpdateIter(next, 1)
	c.impliedCapability = next
	return true
}

// advanceWrite joins upper into the write frontier and returns whether it
// moved.
func (c *collectionState) advanceWrite(upper frontier.Antichain) bool {
	if !frontier.FrontierLessThan(c.writeFrontier, upper) {
		return false
	}
	c.writeFrontier = upper.Clone()
	return true
}

// StorageCollection is a collection maintained by storage.
type StorageCollection struct {
	collectionState
	ID model.GlobalID
	// Status is the last accepted health report, if any arrived.
	Status *storage.StatusUpdate
}

var _ Collection = (*StorageCollection)(nil)

// ComputeCollection is a collection maintained by a compute instance.
type ComputeCollection struct {
	collectionState
	ID       model.GlobalID
	Instance model.ComputeInstanceID
	// StorageDependencies hold reads on storage at the collection's read
	// frontier.
	StorageDependencies []model.GlobalID
}

var _ Collection = (*ComputeCollection)(nil)
