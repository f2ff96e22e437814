// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🧮 SORTED SPARSE LISTS
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Sparse gradient / Hessian storage
//
// Description:
//   A sparse vector is a singly linked chain of pool nodes kept in strictly
//   ascending index order with no duplicates. Gradients are keyed by variable
//   index; Hessians by packed (i, j) pair, which orders pairs lexicographically.
//   All merges are single forward sweeps that splice or recycle nodes in place.
//
// Features:
//   - Weighted merge: dst = wd*dst + ws*src, consuming src
//   - Outer-product merge: dst = wd*dst + w*Σ a_i b_j over j >= i
//   - Uniform scaling and sorted point updates
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sparse

import (
	"github.com/stanle/madopt/pool"
	"github.com/stanle/madopt/types"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// List is a sorted sparse vector whose nodes live in a pool. The zero List
// is unusable; build one with New.
type List[K pool.Key] struct {
	head pool.Handle   // First node or pool.Nil
	pool *pool.Pool[K] // Owner of every node in the chain
}

// Vector holds gradient entries keyed by variable index.
type Vector = List[types.Idx]

// Matrix holds upper-triangle Hessian entries keyed by packed pair.
type Matrix = List[uint64]

// New returns an empty list backed by p.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func New[K pool.Key](p *pool.Pool[K]) List[K] {
	return List[K]{head: pool.Nil, pool: p}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Head returns the first handle, pool.Nil when empty.
func (l *List[K]) Head() pool.Handle { return l.head }

// Pool returns the backing pool.
func (l *List[K]) Pool() *pool.Pool[K] { return l.pool }

// Empty reports whether the list holds no entries.
func (l *List[K]) Empty() bool { return l.head == pool.Nil }

// Len counts entries by walking the chain.
func (l *List[K]) Len() int {
	n := 0
	for h := l.head; h != pool.Nil; h = l.pool.Node(h).Next {
		n++
	}
	return n
}

// Lookup returns the value stored for index.
func (l *List[K]) Lookup(index K) (float64, bool) {
	for h := l.head; h != pool.Nil; {
		n := l.pool.Node(h)
		if n.Index == index {
			return n.Value, true
		}
		if n.Index > index {
			break
		}
		h = n.Next
	}
	return 0, false
}

// Walk calls fn for every entry in ascending index order.
func (l *List[K]) Walk(fn func(index K, value float64)) {
	for h := l.head; h != pool.Nil; {
		n := l.pool.Node(h)
		fn(n.Index, n.Value)
		h = n.Next
	}
}

// AppendTo appends the entries in order and returns the extended slices.
func (l *List[K]) AppendTo(indices []K, values []float64) ([]K, []float64) {
	for h := l.head; h != pool.Nil; {
		n := l.pool.Node(h)
		indices = append(indices, n.Index)
		values = append(values, n.Value)
		h = n.Next
	}
	return indices, values
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// POINT UPDATES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Clear releases every node back to the pool.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) Clear() {
	l.pool.ReleaseChain(l.head)
	l.head = pool.Nil
}

// PushFront prepends an entry. index must be smaller than the current head's.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) PushFront(index K, value float64) {
	if l.head != pool.Nil && l.pool.Node(l.head).Index <= index {
		panic("sparse: PushFront would break ordering")
	}
	l.head = l.pool.Acquire(l.head, index, value)
}

// Add accumulates value into index, inserting it in order when absent.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) Add(index K, value float64) {
	prev := pool.Nil
	cur := l.head
	for cur != pool.Nil {
		n := l.pool.Node(cur)
		if n.Index == index {
			n.Value += value
			return
		}
		if n.Index > index {
			break
		}
		prev, cur = cur, n.Next
	}
	h := l.pool.Acquire(cur, index, value)
	l.link(prev, h)
}

// Scale multiplies every entry by w in place.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) Scale(w float64) {
	for h := l.head; h != pool.Nil; {
		n := l.pool.Node(h)
		n.Value *= w
		h = n.Next
	}
}

// link attaches h after prev, or as the new head when prev is Nil.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (l *List[K]) link(prev, h pool.Handle) {
	if prev == pool.Nil {
		l.head = h
		return
	}
	l.pool.Node(prev).Next = h
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MERGES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Merge is MergeWeighted with unit weights.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) Merge(src *List[K]) {
	l.MergeWeighted(src, 1, 1)
}

// MergeWeighted sets l = wd*l + ws*src and leaves src empty. Nodes of src
// are spliced into l where l has no entry and released where it does, so
// both lists must share a pool.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (l *List[K]) MergeWeighted(src *List[K], wd, ws float64) {
	if l.pool != src.pool {
		panic("sparse: merge across pools")
	}
	p := l.pool
	prev := pool.Nil
	d := l.head
	s := src.head
	src.head = pool.Nil

	for s != pool.Nil {
		sn := p.Node(s)
		for d != pool.Nil {
			dn := p.Node(d)
			if dn.Index >= sn.Index {
				break
			}
			dn.Value *= wd
			prev, d = d, dn.Next
		}

		next := sn.Next
		if d != pool.Nil && p.Node(d).Index == sn.Index {
			dn := p.Node(d)
			dn.Value = dn.Value*wd + sn.Value*ws
			p.Release(s)
			prev, d = d, dn.Next
		} else {
			sn.Value *= ws
			sn.Next = d
			l.link(prev, s)
			prev = s
		}
		s = next
	}

	for d != pool.Nil {
		dn := p.Node(d)
		dn.Value *= wd
		d = dn.Next
	}
}

// MergeOuter sets dst = wd*dst + w*Σ a_i*b_j over every i in a and j in b
// with j >= i, keyed by pair (i, j). a and b are left untouched and may be
// the same list. Pairs are produced in ascending key order, so the whole
// update is one sweep over dst.
//
//go:norace
//go:nocheckptr
//go:registerparams
func MergeOuter(dst *Matrix, a, b *Vector, wd, w float64) {
	hp := dst.pool
	prev := pool.Nil
	cur := dst.head
	start := b.head

	for ia := a.head; ia != pool.Nil; {
		an := a.pool.Node(ia)
		i := an.Index
		ai := w * an.Value
		ia = an.Next

		for start != pool.Nil && b.pool.Node(start).Index < i {
			start = b.pool.Node(start).Next
		}
		if start == pool.Nil {
			break
		}

		for jb := start; jb != pool.Nil; {
			bn := b.pool.Node(jb)
			key := types.Pair{I: i, J: bn.Index}.Key()
			v := ai * bn.Value
			jb = bn.Next

			for cur != pool.Nil {
				cn := hp.Node(cur)
				if cn.Index >= key {
					break
				}
				cn.Value *= wd
				prev, cur = cur, cn.Next
			}
			if cur != pool.Nil && hp.Node(cur).Index == key {
				cn := hp.Node(cur)
				cn.Value = cn.Value*wd + v
				prev, cur = cur, cn.Next
				continue
			}
			h := hp.Acquire(cur, key, v)
			dst.link(prev, h)
			prev = h
		}
	}

	for cur != pool.Nil {
		cn := hp.Node(cur)
		cn.Value *= wd
		cur = cn.Next
	}
}
