package tape

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/stanle/madopt/types"
	"github.com/stanle/madopt/utils"
)

// ============================================================================
// TAPE
// ============================================================================

// Tape is an immutable postfix program computing one scalar. Any number of
// evaluators may read the same tape concurrently.
type Tape struct {
	ops     []Operator
	numVars int // Largest variable index + 1
	depth   int // Peak operand stack depth
	vars    []types.Idx
}

// FromOps validates ops and wraps a copy of them in a Tape.
func FromOps(ops ...Operator) (*Tape, error) {
	t := &Tape{ops: append([]Operator(nil), ops...)}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// validate checks stack discipline and payloads and fills the derived fields.
func (t *Tape) validate() error {
	depth := 0
	seen := make(map[types.Idx]struct{})
	for i, op := range t.ops {
		switch k := op.kind; {
		case k >= kindCount:
			return fmt.Errorf("tape: op %d: %w", i, ErrUnknownOperator)
		case k == KindVar || k == KindSqrVar:
			if int(op.index)+1 > t.numVars {
				t.numVars = int(op.index) + 1
			}
			seen[op.index] = struct{}{}
		case k == KindParam && op.param == nil:
			return fmt.Errorf("tape: op %d: %w", i, ErrNilParam)
		case (k == KindAdd || k == KindMul) && op.index < 1:
			return fmt.Errorf("tape: op %d (%s): %w", i, k, ErrBadArity)
		}
		pops := op.Pops()
		if depth < pops {
			return fmt.Errorf("tape: op %d (%s): %w", i, op.kind, ErrStackUnderflow)
		}
		depth += 1 - pops
		if depth > t.depth {
			t.depth = depth
		}
	}
	if depth != 1 {
		return fmt.Errorf("tape: %d values left: %w", depth, ErrUnbalancedTape)
	}
	t.vars = make([]types.Idx, 0, len(seen))
	for v := range seen {
		t.vars = append(t.vars, v)
	}
	sort.Slice(t.vars, func(a, b int) bool { return t.vars[a] < t.vars[b] })
	return nil
}

// Len returns the number of operators.
func (t *Tape) Len() int { return len(t.ops) }

// At returns operator i.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (t *Tape) At(i int) Operator { return t.ops[i] }

// Ops exposes the operator slice. Callers must not modify it.
func (t *Tape) Ops() []Operator { return t.ops }

// NumVars returns the largest referenced variable index plus one.
func (t *Tape) NumVars() int { return t.numVars }

// Depth returns the peak operand stack depth.
func (t *Tape) Depth() int { return t.depth }

// Vars returns the distinct variables referenced, ascending.
func (t *Tape) Vars() []types.Idx { return t.vars }

// Params returns the distinct parameters referenced, in first-use order.
func (t *Tape) Params() []*Param {
	var out []*Param
	for _, op := range t.ops {
		if op.kind != KindParam {
			continue
		}
		dup := false
		for _, p := range out {
			if p == op.param {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, op.param)
		}
	}
	return out
}

// ============================================================================
// DIRECT EVALUATION
// ============================================================================

// Value evaluates the tape at x without derivatives.
func (t *Tape) Value(x []float64) float64 {
	st := make([]float64, 0, t.depth)
	for _, op := range t.ops {
		switch op.kind {
		case KindVar:
			st = append(st, x[op.index])
		case KindSqrVar:
			v := x[op.index]
			st = append(st, v*v)
		case KindConst:
			st = append(st, op.num)
		case KindParam:
			st = append(st, op.param.Value())
		case KindAdd, KindMul:
			n := int(op.index)
			base := len(st) - n
			acc := st[base]
			for _, v := range st[base+1:] {
				if op.kind == KindAdd {
					acc += v
				} else {
					acc *= v
				}
			}
			st = append(st[:base], acc)
		default:
			top := &st[len(st)-1]
			switch op.kind {
			case KindPow:
				*top = math.Pow(*top, op.num)
			case KindSin:
				*top = math.Sin(*top)
			case KindCos:
				*top = math.Cos(*top)
			case KindTan:
				*top = math.Tan(*top)
			case KindLog2:
				*top = math.Log2(*top)
			case KindLn:
				*top = math.Log(*top)
			}
		}
	}
	return st[0]
}

// ============================================================================
// RENDERING
// ============================================================================

type rendered struct {
	s    string
	kind Kind
}

// String renders the tape in infix form, e.g. "cos(2*x0) + x1^2".
func (t *Tape) String() string {
	st := make([]rendered, 0, t.depth)
	for _, op := range t.ops {
		switch op.kind {
		case KindVar:
			st = append(st, rendered{"x" + utils.Itoa(int(op.index)), op.kind})
		case KindSqrVar:
			st = append(st, rendered{"x" + utils.Itoa(int(op.index)) + "^2", op.kind})
		case KindConst:
			st = append(st, rendered{utils.Ftoa(op.num), op.kind})
		case KindParam:
			st = append(st, rendered{op.param.Name(), op.kind})
		case KindAdd, KindMul:
			n := int(op.index)
			base := len(st) - n
			sep := " + "
			if op.kind == KindMul {
				sep = "*"
			}
			parts := make([]string, 0, n)
			for _, r := range st[base:] {
				if op.kind == KindMul && r.kind == KindAdd {
					parts = append(parts, "("+r.s+")")
				} else {
					parts = append(parts, r.s)
				}
			}
			st = append(st[:base], rendered{strings.Join(parts, sep), op.kind})
		case KindPow:
			top := &st[len(st)-1]
			base := top.s
			switch top.kind {
			case KindVar, KindParam, KindSin, KindCos, KindTan, KindLog2, KindLn:
			default:
				base = "(" + base + ")"
			}
			*top = rendered{base + "^" + utils.Ftoa(op.num), KindPow}
		default:
			top := &st[len(st)-1]
			*top = rendered{op.kind.String() + "(" + top.s + ")", op.kind}
		}
	}
	return st[0].s
}
