// Package frontier implements Naiad-style progress frontiers.
//
// A frontier is an antichain: a set of mutually incomparable timestamps.
// Used as a lower bound it describes a since (contents are correct at times
// in advance of it); used as an upper bound it describes an upper (times
// not in advance of it are complete). The empty antichain is the top of the
// lattice: complete for all time.
//
// Timestamps in this system are totally ordered, so every antichain holds at
// most one element. The operations are nevertheless written against the
// partial order so that they read the same as the progress-tracking
// literature.
package frontier

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/daviddao/clockwork/pkg/model"
)

// Antichain is a set of pairwise incomparable timestamps. The zero value is
// the empty antichain.
type Antichain struct {
	elements []model.Timestamp
}

// New returns the empty antichain.
func New() Antichain { return Antichain{} }

// FromElem returns the antichain {t}.
func FromElem(t model.Timestamp) Antichain {
	return Antichain{elements: []model.Timestamp{t}}
}

// From returns the antichain of minimal elements of ts.
func From(ts ...model.Timestamp) Antichain {
	var a Antichain
	a.Extend(ts...)
	return a
}

// Minimum is the antichain {min}, the bottom of the lattice.
func Minimum() Antichain { return FromElem(model.MinTimestamp) }

// Insert adds t unless some element is already less or equal to it, and
// removes the elements t dominates. It reports whether t was added.
func (a *Antichain) Insert(t model.Timestamp) bool {
	for _, e := range a.elements {
		if e.LessEq(t) {
			return false
		}
	}
	// Antichains are passed by value; never write into a shared backing array.
	kept := make([]model.Timestamp, 0, len(a.elements)+1)
	for _, e := range a.elements {
		if !t.LessEq(e) {
			kept = append(kept, e)
		}
	}
	a.elements = append(kept, t)
	slices.Sort(a.elements)
	return true
}

// Extend inserts every element of ts.
func (a *Antichain) Extend(ts ...model.Timestamp) {
	for _, t := range ts {
		a.Insert(t)
	}
}

// Elements returns a copy of the elements in ascending order.
func (a Antichain) Elements() []model.Timestamp {
	return slices.Clone(a.elements)
}

// Len returns the number of elements.
func (a Antichain) Len() int { return len(a.elements) }

// IsEmpty reports whether the antichain has no elements.
func (a Antichain) IsEmpty() bool { return len(a.elements) == 0 }

// AsOption returns the single element of a singleton antichain. It reports
// false for the empty antichain. It panics if there is more than one element,
// which cannot happen for totally ordered timestamps.
func (a Antichain) AsOption() (model.Timestamp, bool) {
	switch len(a.elements) {
	case 0:
		return 0, false
	case 1:
		return a.elements[0], true
	}
	panic("AsOption called on an antichain with more than one element")
}

// LessEqual reports whether some element is less or equal to t, that is,
// whether t is in advance of the frontier.
func (a Antichain) LessEqual(t model.Timestamp) bool {
	for _, e := range a.elements {
		if e.LessEq(t) {
			return true
		}
	}
	return false
}

// LessThan reports whether some element is strictly less than t.
func (a Antichain) LessThan(t model.Timestamp) bool {
	for _, e := range a.elements {
		if e.Less(t) {
			return true
		}
	}
	return false
}

// Join returns the least upper bound of a and b: the minimal elements of
// the pairwise joins. Joining with the empty antichain yields the empty
// antichain.
func (a Antichain) Join(b Antichain) Antichain {
	var out Antichain
	for _, x := range a.elements {
		for _, y := range b.elements {
			out.Insert(x.Join(y))
		}
	}
	return out
}

// JoinAssign replaces a with a.Join(b).
func (a *Antichain) JoinAssign(b Antichain) {
	*a = a.Join(b)
}

// Meet returns the greatest lower bound of a and b: the minimal elements of
// their union.
func (a Antichain) Meet(b Antichain) Antichain {
	out := a.Clone()
	out.Extend(b.elements...)
	return out
}

// Clone returns an independent copy.
func (a Antichain) Clone() Antichain {
	return Antichain{elements: slices.Clone(a.elements)}
}

// Equal reports whether a and b hold the same elements.
func (a Antichain) Equal(b Antichain) bool {
	return slices.Equal(a.elements, b.elements)
}

// FrontierLessEqual is the partial order on frontiers: every element of b is
// in advance of some element of a.
func FrontierLessEqual(a, b Antichain) bool {
	for _, t := range b.elements {
		if !a.LessEqual(t) {
			return false
		}
	}
	return true
}

// FrontierLessThan reports a <= b and a != b.
func FrontierLessThan(a, b Antichain) bool {
	return FrontierLessEqual(a, b) && !a.Equal(b)
}

// AdvanceBy advances t to the frontier f: the least time greater or equal
// to t that is in advance of f. An empty frontier leaves t unchanged.
func AdvanceBy(t model.Timestamp, f Antichain) model.Timestamp {
	if f.IsEmpty() {
		return t
	}
	result := t.Join(f.elements[0])
	for _, e := range f.elements[1:] {
		result = result.Meet(t.Join(e))
	}
	return result
}

// ComputeFrontier returns the antichain of minimal timestamps in active.
// A timestamp t is in the frontier iff no other active timestamp is
// strictly less than t.
func ComputeFrontier(active []model.Timestamp) Antichain {
	return From(active...)
}

func (a Antichain) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range a.elements {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

func (a Antichain) MarshalJSON() ([]byte, error) {
	if a.elements == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.elements)
}

func (a *Antichain) UnmarshalJSON(b []byte) error {
	var ts []model.Timestamp
	if err := json.Unmarshal(b, &ts); err != nil {
		return err
	}
	*a = From(ts...)
	return nil
}
