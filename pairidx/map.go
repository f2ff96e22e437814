// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🔗 PAIR LAST-POSITION MAP
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Trace-time conflict detection for Hessian pairs
//
// Description:
//   Maps a variable pair (i, j) to the stack position where the pair was last
//   pushed during a trace. Buckets are indexed by i+j, so a model over n
//   variables needs 2n-1 buckets and every bucket holds the pairs on one
//   anti-diagonal. Within a bucket the pairs are found by linear search;
//   anti-diagonals are short for the sparse Hessians this engine targets.
//
// Features:
//   - Exchange: one bucket scan returns the old position and stores the new one
//   - Reset clears only buckets touched since the last reset
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package pairidx

import (
	"github.com/stanle/madopt/constants"
	"github.com/stanle/madopt/types"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type entry struct {
	pair types.Pair // 8B - key
	pos  int32      // 4B - last stack position
}

// Map is a bucketed pair -> position table. Not safe for concurrent use.
type Map struct {
	buckets [][]entry // Indexed by i+j
	touched []int     // Buckets written since the last Reset
	size    int       // Live entries
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New returns a map sized for variables 0..numVars-1.
func New(numVars int) *Map {
	m := &Map{}
	m.Resize(numVars)
	return m
}

// Resize makes room for numVars variables and clears the map.
func (m *Map) Resize(numVars int) {
	n := 2*numVars - 1
	if n < constants.PairBucketsMin {
		n = constants.PairBucketsMin
	}
	m.Reset()
	if n > len(m.buckets) {
		m.buckets = append(m.buckets, make([][]entry, n-len(m.buckets))...)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// bucket returns the anti-diagonal index of p, extending the table when a
// pair lies beyond the sized range.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) bucket(p types.Pair) int {
	b := int(p.I) + int(p.J)
	if b >= len(m.buckets) {
		m.buckets = append(m.buckets, make([][]entry, b+1-len(m.buckets))...)
	}
	return b
}

// Get returns the last position of p, or types.NoPos.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) Get(p types.Pair) int32 {
	b := int(p.I) + int(p.J)
	if b >= len(m.buckets) {
		return types.NoPos
	}
	for _, e := range m.buckets[b] {
		if e.pair == p {
			return e.pos
		}
	}
	return types.NoPos
}

// Set stores pos as the last position of p.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) Set(p types.Pair, pos int32) {
	m.Exchange(p, pos)
}

// Exchange stores pos for p and returns the position it replaces, or
// types.NoPos when p was absent.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (m *Map) Exchange(p types.Pair, pos int32) int32 {
	b := m.bucket(p)
	bk := m.buckets[b]
	for k := range bk {
		if bk[k].pair == p {
			old := bk[k].pos
			bk[k].pos = pos
			return old
		}
	}
	if len(bk) == 0 {
		m.touched = append(m.touched, b)
	}
	m.buckets[b] = append(bk, entry{pair: p, pos: pos})
	m.size++
	return types.NoPos
}

// Len returns the number of pairs stored.
func (m *Map) Len() int { return m.size }

// Reset empties the map, keeping bucket capacity for the next trace.
func (m *Map) Reset() {
	for _, b := range m.touched {
		m.buckets[b] = m.buckets[b][:0]
	}
	m.touched = m.touched[:0]
	m.size = 0
}
