// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ HESSIAN POSITION MAP
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Model-global (i, j) -> dense slot index
//
// Description:
//   Robin Hood table shared by every expression of a model. During setup each
//   expression registers its Hessian pairs and receives, per pair, the dense
//   slot the solver's Hessian value array uses for it. Slots are handed out in
//   first-seen order and never move. Once setup is over the map is frozen and
//   only read.
//
// Design Principles:
//   - Power-of-2 table, parallel key/value arrays, zero key as empty sentinel
//   - Robin Hood displacement keeps probe lengths short
//   - Grows by rehash while mutable; frozen maps reject inserts
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package hesspos

import (
	"github.com/stanle/madopt/constants"
	"github.com/stanle/madopt/types"
	"github.com/stanle/madopt/utils"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Map assigns dense slots to Hessian pairs.
type Map struct {
	keys   []uint64     // Packed pair + 1 (0 = empty sentinel)
	vals   []uint32     // Slot per key
	mask   uint64       // Size mask for fast modulo
	pairs  []types.Pair // Pairs in slot order
	frozen bool         // Inserts rejected
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New creates a map expecting about capacity pairs. It grows past that.
func New(capacity int) *Map {
	m := &Map{}
	m.alloc(utils.NextPow2(capacity * constants.HessIndexLoad))
	return m
}

func (m *Map) alloc(size int) {
	if size < 2 {
		size = 2
	}
	m.keys = make([]uint64, size)
	m.vals = make([]uint32, size)
	m.mask = uint64(size - 1)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// MaxIndex is the largest variable index a pair may carry. The packed key of
// (MaxIndex+1, MaxIndex+1) would collide with the empty sentinel.
const MaxIndex = ^types.Idx(0) - 1

// Insert returns the slot for p, assigning the next free slot when p is new.
// Inserting a new pair into a frozen map, or a pair past MaxIndex, panics.
func (m *Map) Insert(p types.Pair) uint32 {
	if p.J > MaxIndex || p.I > MaxIndex {
		panic("hesspos: pair index out of range")
	}
	key := p.Key() + 1
	if v, ok := m.get(key); ok {
		return v
	}
	if m.frozen {
		panic("hesspos: insert into frozen map")
	}
	if (len(m.pairs)+1)*constants.HessIndexLoad > len(m.keys) {
		m.rehash(len(m.keys) * 2)
	}
	slot := uint32(len(m.pairs))
	m.pairs = append(m.pairs, p)
	m.put(key, slot)
	return slot
}

// Lookup returns the slot for p.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) Lookup(p types.Pair) (uint32, bool) {
	if p.J > MaxIndex || p.I > MaxIndex {
		return 0, false
	}
	return m.get(p.Key() + 1)
}

// put places a key known to be absent using Robin Hood displacement.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) put(key uint64, val uint32) {
	i := utils.Mix64(key) & m.mask
	dist := uint64(0)

	for {
		k := m.keys[i]

		// Empty slot found - insert
		if k == 0 {
			m.keys[i], m.vals[i] = key, val
			return
		}

		// Displace occupants that sit closer to their ideal slot
		kDist := (i + m.mask + 1 - (utils.Mix64(k) & m.mask)) & m.mask
		if kDist < dist {
			key, m.keys[i] = m.keys[i], key
			val, m.vals[i] = m.vals[i], val
			dist = kDist
		}

		i = (i + 1) & m.mask
		dist++
	}
}

// get probes with Robin Hood early termination.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) get(key uint64) (uint32, bool) {
	i := utils.Mix64(key) & m.mask
	dist := uint64(0)

	for {
		k := m.keys[i]
		if k == 0 {
			return 0, false
		}
		if k == key {
			return m.vals[i], true
		}
		kDist := (i + m.mask + 1 - (utils.Mix64(k) & m.mask)) & m.mask
		if kDist < dist {
			return 0, false
		}
		i = (i + 1) & m.mask
		dist++
	}
}

func (m *Map) rehash(size int) {
	oldKeys, oldVals := m.keys, m.vals
	m.alloc(size)
	for i, k := range oldKeys {
		if k != 0 {
			m.put(k, oldVals[i])
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PHASES AND STRUCTURE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Freeze ends the registration phase.
func (m *Map) Freeze() { m.frozen = true }

// Frozen reports whether registration is over.
func (m *Map) Frozen() bool { return m.frozen }

// Len returns the number of slots assigned.
func (m *Map) Len() int { return len(m.pairs) }

// Pairs returns the pair for every slot in slot order. The slice is shared;
// callers must not modify it.
func (m *Map) Pairs() []types.Pair { return m.pairs }

// Structure writes the solver-facing sparsity pattern: for slot k, rows[k]
// is the larger and cols[k] the smaller index (lower triangle).
func (m *Map) Structure(rows, cols []int32) {
	for k, p := range m.pairs {
		rows[k] = int32(p.J)
		cols[k] = int32(p.I)
	}
}
