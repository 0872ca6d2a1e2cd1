package controller

import (
	"fmt"
	"time"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

// CollectionFrontiers is a frozen copy of one collection's frontiers.
type CollectionFrontiers struct {
	ReadCapability frontier.Antichain
	ReadFrontier   frontier.Antichain
	WriteFrontier  frontier.Antichain
}

func freeze(c Collection) CollectionFrontiers {
	return CollectionFrontiers{
		ReadCapability: c.ReadCapability(),
		ReadFrontier:   c.ReadFrontier(),
		WriteFrontier:  c.WriteFrontier(),
	}
}

// Snapshot is an immutable view of every collection's frontiers, published
// by the controller goroutine after each step. Readers on other goroutines
// run determinations against it without coordinating with the controller.
type Snapshot struct {
	Taken   time.Time
	Storage map[model.GlobalID]CollectionFrontiers
	Compute map[model.ComputeInstanceID]map[model.GlobalID]CollectionFrontiers
}

var _ timestamp.Provider = (*Snapshot)(nil)

func (s *Snapshot) storage(id model.GlobalID) CollectionFrontiers {
	c, ok := s.Storage[id]
	if !ok {
		panic(fmt.Sprintf("storage collection %s is not tracked", id))
	}
	return c
}

func (s *Snapshot) compute(instance model.ComputeInstanceID, id model.GlobalID) CollectionFrontiers {
	c, ok := s.Compute[instance][id]
	if !ok {
		panic(fmt.Sprintf("collection %s is not tracked on compute instance %s", id, instance))
	}
	return c
}

// Contains reports whether every id of b is tracked, so a determination
// over b will not panic.
func (s *Snapshot) Contains(b model.CollectionIDBundle) bool {
	for _, id := range b.SortedStorageIDs() {
		if _, ok := s.Storage[id]; !ok {
			return false
		}
	}
	for _, inst := range b.Instances() {
		for _, id := range b.SortedComputeIDs(inst) {
			if _, ok := s.Compute[inst][id]; !ok {
				return false
			}
		}
	}
	return true
}

func (s *Snapshot) ComputeReadFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return s.compute(instance, id).ReadFrontier.Clone()
}

func (s *Snapshot) ComputeReadCapability(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return s.compute(instance, id).ReadCapability.Clone()
}

func (s *Snapshot) ComputeWriteFrontier(instance model.ComputeInstanceID, id model.GlobalID) frontier.Antichain {
	return s.compute(instance, id).WriteFrontier.Clone()
}

func (s *Snapshot) StorageReadCapabilities(id model.GlobalID) frontier.Antichain {
	return s.storage(id).ReadFrontier.Clone()
}

func (s *Snapshot) StorageImpliedCapability(id model.GlobalID) frontier.Antichain {
	return s.storage(id).ReadCapability.Clone()
}

func (s *Snapshot) StorageWriteFrontier(id model.GlobalID) frontier.Antichain {
	return s.storage(id).WriteFrontier.Clone()
}
