package model

import (
	"slices"
	"strings"
)

// CollectionIDBundle is the set of collections a timestamp decision is made
// over jointly: storage collections, plus compute collections grouped by the
// compute instance that maintains them.
type CollectionIDBundle struct {
	StorageIDs map[GlobalID]struct{}
	ComputeIDs map[ComputeInstanceID]map[GlobalID]struct{}
}

// NewBundle returns an empty bundle.
func NewBundle() CollectionIDBundle {
	return CollectionIDBundle{
		StorageIDs: make(map[GlobalID]struct{}),
		ComputeIDs: make(map[ComputeInstanceID]map[GlobalID]struct{}),
	}
}

// AddStorage adds storage collections to the bundle.
func (b *CollectionIDBundle) AddStorage(ids ...GlobalID) {
	if b.StorageIDs == nil {
		b.StorageIDs = make(map[GlobalID]struct{})
	}
	for _, id := range ids {
		b.StorageIDs[id] = struct{}{}
	}
}

// AddCompute adds compute collections maintained by instance.
func (b *CollectionIDBundle) AddCompute(instance ComputeInstanceID, ids ...GlobalID) {
	if b.ComputeIDs == nil {
		b.ComputeIDs = make(map[ComputeInstanceID]map[GlobalID]struct{})
	}
	set, ok := b.ComputeIDs[instance]
	if !ok {
		set = make(map[GlobalID]struct{})
		b.ComputeIDs[instance] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Union returns a new bundle holding the ids of both b and other.
func (b CollectionIDBundle) Union(other CollectionIDBundle) CollectionIDBundle {
	out := NewBundle()
	for _, src := range []CollectionIDBundle{b, other} {
		for id := range src.StorageIDs {
			out.AddStorage(id)
		}
		for inst, ids := range src.ComputeIDs {
			for id := range ids {
				out.AddCompute(inst, id)
			}
		}
	}
	return out
}

// IsEmpty reports whether the bundle names no collections.
func (b CollectionIDBundle) IsEmpty() bool {
	if len(b.StorageIDs) > 0 {
		return false
	}
	for _, ids := range b.ComputeIDs {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// Contains reports whether id appears anywhere in the bundle.
func (b CollectionIDBundle) Contains(id GlobalID) bool {
	if _, ok := b.StorageIDs[id]; ok {
		return true
	}
	for _, ids := range b.ComputeIDs {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// AllIDs returns every id in the bundle, sorted and deduplicated.
func (b CollectionIDBundle) AllIDs() []GlobalID {
	seen := make(map[GlobalID]struct{})
	for id := range b.StorageIDs {
		seen[id] = struct{}{}
	}
	for _, ids := range b.ComputeIDs {
		for id := range ids {
			seen[id] = struct{}{}
		}
	}
	return sortedIDs(seen)
}

// SortedStorageIDs returns the storage ids in id order.
func (b CollectionIDBundle) SortedStorageIDs() []GlobalID {
	return sortedIDs(b.StorageIDs)
}

// Instances returns the compute instances in the bundle in ascending order.
func (b CollectionIDBundle) Instances() []ComputeInstanceID {
	out := make([]ComputeInstanceID, 0, len(b.ComputeIDs))
	for inst := range b.ComputeIDs {
		out = append(out, inst)
	}
	slices.Sort(out)
	return out
}

// SortedComputeIDs returns the compute ids of instance in id order.
func (b CollectionIDBundle) SortedComputeIDs(instance ComputeInstanceID) []GlobalID {
	return sortedIDs(b.ComputeIDs[instance])
}

func (b CollectionIDBundle) String() string {
	var sb strings.Builder
	sb.WriteString("{storage: [")
	for i, id := range b.SortedStorageIDs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(id.String())
	}
	sb.WriteString("], compute: {")
	for i, inst := range b.Instances() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(inst.String())
		sb.WriteString(": [")
		for j, id := range b.SortedComputeIDs(inst) {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(id.String())
		}
		sb.WriteString("]")
	}
	sb.WriteString("}}")
	return sb.String()
}

func sortedIDs(set map[GlobalID]struct{}) []GlobalID {
	out := make([]GlobalID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.SortFunc(out, GlobalID.Compare)
	return out
}
