// ════════════════════════════════════════════════════════════════════════════════════════════════
// 📚 DUAL-CELL STACK INTERPRETER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Reference evaluator over pooled sparse lists
//
// Description:
//   Interprets a tape directly on a stack of dual cells. Each cell carries a
//   value, a sparse gradient and a sparse upper-triangle Hessian, with every
//   list node drawn from the stack's private pools. The interpreter needs no
//   trace and works for any tape, which makes it the evaluator of choice for
//   one-off evaluations and the yardstick the replay engine is checked against.
//
// Features:
//   - Product rule and chain rule as in-place list merges
//   - Balanced tournament for n-ary sums
//   - Warm-up then Fix: pools sized by the first run, zero growth afterwards
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package adstack

import (
	"fmt"
	"math"

	"github.com/stanle/madopt/config"
	"github.com/stanle/madopt/constants"
	"github.com/stanle/madopt/pool"
	"github.com/stanle/madopt/sparse"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Cell is one stack entry: a value with its sparse first and second derivatives.
type Cell struct {
	G    float64       // Value
	Jac  sparse.Vector // dG/dx_i
	Hess sparse.Matrix // d2G/dx_i dx_j, i <= j
}

// Stack evaluates tapes. It is not safe for concurrent use; give each
// goroutine its own Clone.
type Stack struct {
	cells []Cell
	n     int
	jac   *pool.Pool[types.Idx]
	hess  *pool.Pool[uint64]
	fix   bool // Fix pools after the next successful evaluation
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New creates a stack whose pools start with the given node counts.
func New(jacNodes, hessNodes int) *Stack {
	return &Stack{
		cells: make([]Cell, 0, constants.StackCells),
		jac:   pool.New[types.Idx](jacNodes),
		hess:  pool.New[uint64](hessNodes),
	}
}

// NewFromConfig sizes pools from c. With FixedPools set the pools are
// frozen after the first evaluation completes.
func NewFromConfig(c config.Config) *Stack {
	s := New(c.JacPool, c.HessPool)
	s.fix = c.FixedPools
	return s
}

// Clone returns an empty stack with pools of the same capacity and mode.
func (s *Stack) Clone() *Stack {
	return &Stack{
		cells: make([]Cell, 0, cap(s.cells)),
		jac:   s.jac.Clone(),
		hess:  s.hess.Clone(),
		fix:   s.fix,
	}
}

// Fix freezes both pools; any later growth panics.
func (s *Stack) Fix() {
	s.jac.Fix()
	s.hess.Fix()
}

// Pools exposes the gradient and Hessian pools for inspection.
func (s *Stack) Pools() (*pool.Pool[types.Idx], *pool.Pool[uint64]) {
	return s.jac, s.hess
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STACK PRIMITIVES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// push returns a fresh empty cell on top of the stack.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) push(g float64) *Cell {
	if s.n == len(s.cells) {
		s.cells = append(s.cells, Cell{})
	}
	c := &s.cells[s.n]
	s.n++
	c.G = g
	c.Jac = sparse.New(s.jac)
	c.Hess = sparse.New(s.hess)
	return c
}

// pop releases the top cell's nodes.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) pop() {
	s.n--
	c := &s.cells[s.n]
	c.Jac.Clear()
	c.Hess.Clear()
}

// Depth returns the number of live cells.
func (s *Stack) Depth() int { return s.n }

// Top returns the top cell, nil when empty.
func (s *Stack) Top() *Cell {
	if s.n == 0 {
		return nil
	}
	return &s.cells[s.n-1]
}

// Reset pops every cell and returns all nodes to the pools.
func (s *Stack) Reset() {
	for s.n > 0 {
		s.pop()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EVALUATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Evaluate runs t at x, leaving exactly one cell on the stack. Any cells
// left from an earlier run are released first. On error the stack is empty.
func (s *Stack) Evaluate(t *tape.Tape, x []float64) error {
	s.Reset()
	if len(x) < t.NumVars() {
		return fmt.Errorf("adstack: %d inputs for %d variables: %w", len(x), t.NumVars(), tape.ErrVarOutOfRange)
	}
	for i, op := range t.Ops() {
		if need := op.Pops(); s.n < need {
			s.Reset()
			return fmt.Errorf("adstack: op %d (%s): %w", i, op.Kind(), tape.ErrStackUnderflow)
		}
		switch op.Kind() {
		case tape.KindVar:
			v := op.Var()
			c := s.push(x[v])
			c.Jac.PushFront(v, 1)
		case tape.KindSqrVar:
			v := op.Var()
			c := s.push(x[v] * x[v])
			c.Jac.PushFront(v, 2*x[v])
			c.Hess.PushFront(types.Pair{I: v, J: v}.Key(), 2)
		case tape.KindConst:
			s.push(op.Constant())
		case tape.KindParam:
			s.push(op.Param().Value())
		case tape.KindAdd:
			s.add(op.Arity())
		case tape.KindMul:
			for k := op.Arity(); k > 1; k-- {
				s.mul()
			}
		case tape.KindPow:
			s.pow(op.Exponent())
		case tape.KindSin:
			c := s.Top()
			g := c.G
			c.G = math.Sin(g)
			s.chain(c, math.Cos(g), -c.G)
		case tape.KindCos:
			c := s.Top()
			g := c.G
			c.G = math.Cos(g)
			s.chain(c, -math.Sin(g), -c.G)
		case tape.KindTan:
			c := s.Top()
			tn := math.Tan(c.G)
			sec2 := 1 + tn*tn
			c.G = tn
			s.chain(c, sec2, 2*tn*sec2)
		case tape.KindLog2:
			c := s.Top()
			g := c.G
			c.G = math.Log2(g)
			s.chain(c, 1/(g*math.Ln2), -1/(g*g*math.Ln2))
		case tape.KindLn:
			c := s.Top()
			g := c.G
			c.G = math.Log(g)
			s.chain(c, 1/g, -1/(g*g))
		default:
			s.Reset()
			return fmt.Errorf("adstack: op %d: %w", i, tape.ErrUnknownOperator)
		}
	}
	if s.n != 1 {
		s.Reset()
		return fmt.Errorf("adstack: %w", tape.ErrUnbalancedTape)
	}
	if s.fix {
		s.Fix()
		s.fix = false
	}
	return nil
}

// chain applies an outer function with derivatives d1, d2 to cell c:
// hess = d1*hess + d2*grad⊗grad, then grad = d1*grad.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) chain(c *Cell, d1, d2 float64) {
	sparse.MergeOuter(&c.Hess, &c.Jac, &c.Jac, d1, d2)
	c.Jac.Scale(d1)
}

// pow raises the top cell to e. The value is computed as g^(e-2)*g*g so
// the same power serves the first and second derivatives.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) pow(e float64) {
	c := s.Top()
	g := c.G
	ph := 1.0
	if e != 2 {
		ph = math.Pow(g, e-2)
	}
	c.G = ph * g * g
	s.chain(c, e*ph*g, e*(e-1)*ph)
}

// mul folds the top cell into the one below with the product rule.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) mul() {
	top := &s.cells[s.n-1]
	res := &s.cells[s.n-2]

	// Cross terms use the gradients before either is scaled.
	res.Hess.MergeWeighted(&top.Hess, top.G, res.G)
	sparse.MergeOuter(&res.Hess, &res.Jac, &top.Jac, 1, 1)
	sparse.MergeOuter(&res.Hess, &top.Jac, &res.Jac, 1, 1)
	res.Jac.MergeWeighted(&top.Jac, top.G, res.G)
	res.G *= top.G
	s.pop()
}

// add sums the top n cells with a balanced tournament: each round merges
// adjacent pairs, halving the operand count, so each node is merged
// O(log n) times.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (s *Stack) add(n int) {
	base := s.n - n
	live := n
	for live > 1 {
		half := live / 2
		for k := 0; k < half; k++ {
			dst := &s.cells[base+2*k]
			src := &s.cells[base+2*k+1]
			dst.G += src.G
			dst.Jac.Merge(&src.Jac)
			dst.Hess.Merge(&src.Hess)
			if k > 0 {
				s.cells[base+k], s.cells[base+2*k] = s.cells[base+2*k], s.cells[base+k]
			}
		}
		if live%2 == 1 {
			s.cells[base+half], s.cells[base+live-1] = s.cells[base+live-1], s.cells[base+half]
		}
		live -= half
	}
	for s.n > base+1 {
		s.pop()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// READOUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Result copies the top cell into g and h, reusing their storage, and
// returns the value. Entries come out in ascending index order.
func (s *Stack) Result(g *types.Gradient, h *types.Hessian) float64 {
	c := s.Top()
	if c == nil {
		panic("adstack: Result on empty stack")
	}
	if g != nil {
		g.Indices, g.Values = c.Jac.AppendTo(g.Indices[:0], g.Values[:0])
	}
	if h != nil {
		h.Pairs, h.Values = h.Pairs[:0], h.Values[:0]
		c.Hess.Walk(func(k uint64, v float64) {
			h.Pairs = append(h.Pairs, types.PairFromKey(k))
			h.Values = append(h.Values, v)
		})
	}
	return c.G
}
