package controller

import (
	"fmt"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// WatchSetID is a handle to an installed watch set. A handle outlives the
// set it names: once the set fires or is cancelled, the slot's generation
// moves on and the handle goes stale.
type WatchSetID struct {
	index      uint32
	generation uint32
}

// IsZero reports whether the handle names nothing.
func (id WatchSetID) IsZero() bool { return id.generation == 0 }

func (id WatchSetID) String() string { return fmt.Sprintf("ws%d.%d", id.index, id.generation) }

type watchSlot struct {
	generation uint32
	live       bool
	token      any
	target     model.Timestamp
	ids        []model.GlobalID
	// remaining counts ids whose frontier has not passed target yet.
	remaining int
}

// WatchSets fires a token once the frontier of every collection in a set
// has advanced strictly past a target timestamp. Each token fires exactly
// once, or never if its set is cancelled first.
type WatchSets struct {
	slots     []watchSlot
	free      []uint32
	pending   map[model.GlobalID][]WatchSetID
	immediate []any
}

// NewWatchSets returns an empty tracker.
func NewWatchSets() *WatchSets {
	return &WatchSets{pending: make(map[model.GlobalID][]WatchSetID)}
}

// Install registers token to fire once every id's frontier is past t.
// frontierOf reports an id's current write frontier. If every frontier is
// already past t the token is queued for immediate firing and the returned
// handle is zero.
func (w *WatchSets) Install(ids []model.GlobalID, t model.Timestamp, token any, frontierOf func(model.GlobalID) frontier.Antichain) WatchSetID {
	var waiting []model.GlobalID
	seen := make(map[model.GlobalID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if frontierOf(id).LessEqual(t) {
			waiting = append(waiting, id)
		}
	}
	if len(waiting) == 0 {
		w.immediate = append(w.immediate, token)
		return WatchSetID{}
	}

	h := w.alloc()
	slot := &w.slots[h.index]
	slot.live = true
	slot.token = token
	slot.target = t
	slot.ids = waiting
	slot.remaining = len(waiting)
	for _, id := range waiting {
		w.pending[id] = append(w.pending[id], h)
	}
	return h
}

func (w *WatchSets) alloc() WatchSetID {
	if n := len(w.free); n > 0 {
		idx := w.free[n-1]
		w.free = w.free[:n-1]
		return WatchSetID{index: idx, generation: w.slots[idx].generation}
	}
	w.slots = append(w.slots, watchSlot{generation: 1})
	return WatchSetID{index: uint32(len(w.slots) - 1), generation: 1}
}

func (w *WatchSets) release(idx uint32) {
	slot := &w.slots[idx]
	*slot = watchSlot{generation: slot.generation + 1}
	w.free = append(w.free, idx)
}

func (w *WatchSets) resolve(h WatchSetID) (*watchSlot, bool) {
	if int(h.index) >= len(w.slots) {
		return nil, false
	}
	slot := &w.slots[h.index]
	if !slot.live || slot.generation != h.generation {
		return nil, false
	}
	return slot, true
}

// Update records that id's frontier is now f and returns the tokens of the
// sets that completed.
func (w *WatchSets) Update(id model.GlobalID, f frontier.Antichain) []any {
	entries, ok := w.pending[id]
	if !ok {
		return nil
	}
	var fired []any
	kept := entries[:0]
	for _, h := range entries {
		slot, live := w.resolve(h)
		if !live {
			continue
		}
		if f.LessEqual(slot.target) {
			kept = append(kept, h)
			continue
		}
		slot.remaining--
		if slot.remaining == 0 {
			fired = append(fired, slot.token)
			w.release(h.index)
		}
	}
	if len(kept) == 0 {
		delete(w.pending, id)
	} else {
		w.pending[id] = kept
	}
	return fired
}

// Cancel removes a set without firing it. It reports whether the handle
// still named a live set.
func (w *WatchSets) Cancel(h WatchSetID) bool {
	slot, ok := w.resolve(h)
	if !ok {
		return false
	}
	for _, id := range slot.ids {
		entries := w.pending[id]
		kept := entries[:0]
		for _, e := range entries {
			if e != h {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(w.pending, id)
		} else {
			w.pending[id] = kept
		}
	}
	w.release(h.index)
	return true
}

// Forget cancels every set still waiting on id and returns how many there
// were.
func (w *WatchSets) Forget(id model.GlobalID) int {
	entries := append([]WatchSetID(nil), w.pending[id]...)
	n := 0
	for _, h := range entries {
		if w.Cancel(h) {
			n++
		}
	}
	delete(w.pending, id)
	return n
}

// HasImmediate reports whether tokens are queued for immediate firing.
func (w *WatchSets) HasImmediate() bool { return len(w.immediate) > 0 }

// TakeImmediate drains the immediate queue.
func (w *WatchSets) TakeImmediate() []any {
	out := w.immediate
	w.immediate = nil
	return out
}

// Len returns the number of installed sets that have not fired.
func (w *WatchSets) Len() int { return len(w.slots) - len(w.free) }

// Pending returns the number of sets waiting on id.
func (w *WatchSets) Pending(id model.GlobalID) int { return len(w.pending[id]) }
