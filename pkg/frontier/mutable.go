package frontier

import (
	"github.com/tidwall/btree"

	"github.com/daviddao/clockwork/pkg/model"
)

// MutableAntichain is a multiset of timestamps with signed multiplicities.
// Its frontier is the antichain of minimal timestamps whose accumulated
// count is positive. Read-capability holds and per-shard uppers are both
// tracked this way: each holder contributes +1 at its time, and moving a
// holder is a retraction followed by an insertion.
type MutableAntichain struct {
	counts btree.Map[model.Timestamp, int64]
}

// NewMutableAntichain returns an empty multiset.
func NewMutableAntichain() *MutableAntichain {
	return &MutableAntichain{}
}

// NewMutableAntichainWith returns a multiset holding t with multiplicity n.
func NewMutableAntichainWith(t model.Timestamp, n int64) *MutableAntichain {
	m := &MutableAntichain{}
	m.Update(t, n)
	return m
}

// Update adds delta to the multiplicity of t.
func (m *MutableAntichain) Update(t model.Timestamp, delta int64) {
	if delta == 0 {
		return
	}
	cur, _ := m.counts.Get(t)
	cur += delta
	if cur == 0 {
		m.counts.Delete(t)
		return
	}
	m.counts.Set(t, cur)
}

// UpdateIter applies delta to every element of a.
func (m *MutableAntichain) UpdateIter(a Antichain, delta int64) {
	for _, t := range a.elements {
		m.Update(t, delta)
	}
}

// Frontier returns the minimal timestamps with positive multiplicity.
func (m *MutableAntichain) Frontier() Antichain {
	var out Antichain
	m.counts.Scan(func(t model.Timestamp, n int64) bool {
		if n > 0 {
			out.Insert(t)
			// Keys are scanned in ascending order; under a total order the
			// first positive key is the whole frontier.
			return false
		}
		return true
	})
	return out
}

// Count returns the multiplicity of t.
func (m *MutableAntichain) Count(t model.Timestamp) int64 {
	n, _ := m.counts.Get(t)
	return n
}

// IsEmpty reports whether no timestamp has a non-zero multiplicity.
func (m *MutableAntichain) IsEmpty() bool {
	return m.counts.Len() == 0
}

// Len returns the number of distinct timestamps with non-zero multiplicity.
func (m *MutableAntichain) Len() int {
	return m.counts.Len()
}
