// ============================================================================
// NODE POOL: HANDLE-ADDRESSED ARENA FOR SPARSE LIST NODES
// ============================================================================
//
// Pool hands out list nodes by integer handle from a contiguous arena and
// takes them back through an intrusive freelist. Sparse gradient and Hessian
// lists are chains of handles into one pool, so splicing, releasing and
// re-acquiring nodes never touches the Go heap once the arena is warm.
//
// Architecture overview:
//   - Arena of slots; each slot is either free (linked into the freelist)
//     or live (owned by exactly one list)
//   - Freelist threaded through the same next field the lists use
//   - Balance counter: live nodes = acquired - released
//
// Growth model:
//   - Growable pools extend the arena when the freelist runs dry
//   - Fixed pools panic instead; a fixed pool that must grow is a sizing error
//   - Reserve pre-sizes the arena so steady state never grows
//
// Safety model:
//   - Handles are plain indices; a released handle must not be used again
//   - Double release and release of a never-acquired handle panic
//   - Not safe for concurrent use; every worker owns its own pools
package pool

import (
	"github.com/stanle/madopt/constants"
	"github.com/stanle/madopt/debug"
	"github.com/stanle/madopt/utils"
)

// ============================================================================
// CONFIGURATION CONSTANTS
// ============================================================================

// Handle addresses a node inside one pool.
type Handle uint32

// Nil terminates lists and the freelist.
const Nil Handle = ^Handle(0)

// Key is the set of index types a node can carry: variable indices for
// gradients, packed pair keys for Hessians.
type Key interface {
	~uint32 | ~uint64
}

// ============================================================================
// CORE DATA STRUCTURES
// ============================================================================

// Node is one sparse entry. Next links to the following node of the same
// list, or to the next free slot while the node sits on the freelist.
type Node[K Key] struct {
	Value float64 // 8B - coefficient
	Index K       // 4-8B - variable index or packed pair
	Next  Handle  // 4B - successor handle or Nil
}

// slot tags a node as free or live.
type slot[K Key] struct {
	node Node[K]
	live bool
}

// Pool is a growable or fixed arena of nodes.
type Pool[K Key] struct {
	slots    []slot[K]
	freeHead Handle // Freelist head
	free     int    // Slots on the freelist
	fixed    bool   // Growth forbidden
	allocs   int    // Slots ever created
	grows    int    // Growth events after construction
	acquires uint64 // Lifetime Acquire calls
	releases uint64 // Lifetime Release calls
}

// ============================================================================
// CONSTRUCTOR AND INITIALIZATION
// ============================================================================

// New creates a growable pool with capacity free nodes.
//
//go:norace
//go:nocheckptr
//go:registerparams
func New[K Key](capacity int) *Pool[K] {
	p := &Pool[K]{freeHead: Nil}
	if capacity > 0 {
		p.extend(capacity)
	}
	return p
}

// Clone returns an empty pool with the same capacity and mode. Live nodes
// are not copied; the clone starts with every slot free.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) Clone() *Pool[K] {
	c := New[K](len(p.slots))
	c.fixed = p.fixed
	return c
}

// extend appends n free slots and pushes them on the freelist so that the
// lowest new handle is handed out first.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) extend(n int) {
	base := len(p.slots)
	p.slots = append(p.slots, make([]slot[K], n)...)
	for i := base + n - 1; i >= base; i-- {
		p.slots[i].node.Next = p.freeHead
		p.freeHead = Handle(i)
	}
	p.free += n
	p.allocs += n
}

// ============================================================================
// HANDLE MANAGEMENT
// ============================================================================

// Acquire takes a free node, initializes it and returns its handle.
// A fixed pool with no free node panics.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) Acquire(next Handle, index K, value float64) Handle {
	if p.freeHead == Nil {
		p.grow()
	}
	h := p.freeHead
	s := &p.slots[h]
	p.freeHead = s.node.Next
	p.free--
	p.acquires++

	s.live = true
	s.node = Node[K]{Value: value, Index: index, Next: next}
	return h
}

// grow handles freelist exhaustion.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) grow() {
	if p.fixed {
		debug.DropCount("pool", "fixed pool exhausted at capacity", len(p.slots))
		panic("pool: fixed pool exhausted")
	}
	step := len(p.slots) / 2
	if step < constants.PoolGrowStep {
		step = constants.PoolGrowStep
	}
	p.extend(step)
	p.grows++
}

// Release returns h to the freelist. The node's contents are left in place
// and must not be read again.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) Release(h Handle) {
	if int(h) >= len(p.slots) || !p.slots[h].live {
		panic("pool: release of free or foreign handle " + utils.Itoa(int(h)))
	}
	s := &p.slots[h]
	s.live = false
	s.node.Next = p.freeHead
	p.freeHead = h
	p.free++
	p.releases++
}

// ReleaseChain releases every node reachable from head through Next.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (p *Pool[K]) ReleaseChain(head Handle) {
	for head != Nil {
		next := p.slots[head].node.Next
		p.Release(head)
		head = next
	}
}

// ============================================================================
// NODE ACCESS
// ============================================================================

// Node returns the node behind h. The pointer is invalidated by the next
// Acquire that grows the arena; re-fetch it after acquiring.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (p *Pool[K]) Node(h Handle) *Node[K] {
	return &p.slots[h].node
}

// Live reports whether h is currently acquired.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (p *Pool[K]) Live(h Handle) bool {
	return int(h) < len(p.slots) && p.slots[h].live
}

// ============================================================================
// SIZING AND STATISTICS
// ============================================================================

// Reserve grows the arena until at least n nodes are free. It works on
// fixed pools too; only implicit growth is forbidden there.
func (p *Pool[K]) Reserve(n int) {
	if short := n - p.free; short > 0 {
		p.extend(short)
	}
}

// Fix forbids further implicit growth.
func (p *Pool[K]) Fix() { p.fixed = true }

// Unfix re-enables growth.
func (p *Pool[K]) Unfix() { p.fixed = false }

// Fixed reports whether implicit growth is forbidden.
func (p *Pool[K]) Fixed() bool { return p.fixed }

// Free returns the number of nodes on the freelist.
func (p *Pool[K]) Free() int { return p.free }

// Capacity returns the arena size.
func (p *Pool[K]) Capacity() int { return len(p.slots) }

// InUse returns the balance counter: nodes acquired and not yet released.
func (p *Pool[K]) InUse() int { return len(p.slots) - p.free }

// Allocs returns how many slots were ever created, including the initial
// capacity. It stays constant once the pool is warm.
func (p *Pool[K]) Allocs() int { return p.allocs }

// Grows returns how many times the arena grew on demand.
func (p *Pool[K]) Grows() int { return p.grows }

// Traffic returns lifetime Acquire and Release counts.
func (p *Pool[K]) Traffic() (acquires, releases uint64) { return p.acquires, p.releases }
