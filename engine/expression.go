// ════════════════════════════════════════════════════════════════════════════════════════════════
// 📐 EXPRESSION
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: One scalar function with its traced program and output buffers
//
// Description:
//   Binds a tape to its program and to the model-wide Hessian positions of
//   its Hessian entries. Evaluate fills value, gradient and Hessian buffers
//   in place; readers get views in sparsity-record order.
//
// Lifecycle:
//   NewExpression → Trace (or CompileAll) → Evaluate* → read back
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package engine

import (
	"fmt"

	"github.com/stanle/madopt/hesspos"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
)

// Expression is a traced scalar function. Evaluate writes into buffers owned
// by the expression, so two goroutines may evaluate different expressions
// but never the same one.
type Expression struct {
	tape *tape.Tape
	prog *Program
	hpos []uint32 // Model-wide slot per Hessian entry

	g    float64
	jac  []float64
	hess []float64
}

// NewExpression wraps t. It must be traced before evaluation.
func NewExpression(t *tape.Tape) *Expression {
	return &Expression{tape: t}
}

// Tape returns the expression's tape.
func (e *Expression) Tape() *tape.Tape { return e.tape }

// Program returns the traced program, nil before tracing.
func (e *Expression) Program() *Program { return e.prog }

// Traced reports whether a program is attached.
func (e *Expression) Traced() bool { return e.prog != nil }

// Trace derives the expression's program with tr and registers its Hessian
// pairs in hm. Either may be nil: a nil tracer uses a fresh one, a nil map
// skips registration and leaves AddHessian unusable.
func (e *Expression) Trace(tr *Tracer, hm *hesspos.Map) error {
	if tr == nil {
		tr = NewTracer()
	}
	p, err := tr.Trace(e.tape)
	if err != nil {
		return err
	}
	if err := registrable(p, hm); err != nil {
		return err
	}
	e.attach(p, hm)
	return nil
}

// registrable reports whether attaching p can register all its pairs in
// hm. Only a frozen map can refuse.
func registrable(p *Program, hm *hesspos.Map) error {
	if hm == nil || !hm.Frozen() {
		return nil
	}
	for _, pair := range p.Hessian {
		if _, ok := hm.Lookup(pair); !ok {
			return fmt.Errorf("engine: pair (%d, %d): %w", pair.I, pair.J, ErrFrozenPositions)
		}
	}
	return nil
}

// attach installs p and sizes the output buffers. Registration in hm must
// happen on one goroutine, in model order.
func (e *Expression) attach(p *Program, hm *hesspos.Map) {
	e.prog = p
	e.g = 0
	e.jac = make([]float64, len(p.Jacobian))
	e.hess = make([]float64, len(p.Hessian))
	e.hpos = nil
	if hm == nil {
		return
	}
	e.hpos = make([]uint32, len(p.Hessian))
	for i, pair := range p.Hessian {
		e.hpos[i] = hm.Insert(pair)
	}
}

// ============================================================================
// EVALUATION
// ============================================================================

// Evaluate replays the program at x using ws as scratch. ws grows once if
// it is too small for this program. Outputs are left untouched on error.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (e *Expression) Evaluate(ws *Workspace, x []float64) error {
	if e.prog == nil {
		return fmt.Errorf("engine: evaluate before trace: %w", ErrNotTraced)
	}
	if len(x) < e.tape.NumVars() {
		return fmt.Errorf("engine: %d inputs for %d variables: %w", len(x), e.tape.NumVars(), tape.ErrVarOutOfRange)
	}
	if !ws.Fits(e.prog) {
		ws.Reserve(e.prog)
	}
	ws.replay(e.prog, e.tape, x)
	e.g = ws.g[0]
	copy(e.jac, ws.jv[:len(e.jac)])
	copy(e.hess, ws.hv[:len(e.hess)])
	return nil
}

// EvaluateAll evaluates every expression in order on one workspace and
// stops at the first error.
func EvaluateAll(exprs []*Expression, ws *Workspace, x []float64) error {
	for i, e := range exprs {
		if err := e.Evaluate(ws, x); err != nil {
			return fmt.Errorf("engine: expression %d: %w", i, err)
		}
	}
	return nil
}

// ============================================================================
// READ BACK
// ============================================================================

// Value returns the last evaluated value.
func (e *Expression) Value() float64 { return e.g }

// Jacobian returns the last evaluated gradient. The slices alias the
// expression's buffers and are overwritten by the next Evaluate.
func (e *Expression) Jacobian() types.Gradient {
	if e.prog == nil {
		return types.Gradient{}
	}
	return types.Gradient{Indices: e.prog.Jacobian, Values: e.jac}
}

// JacobianIndices returns the gradient structure.
func (e *Expression) JacobianIndices() []types.Idx {
	if e.prog == nil {
		return nil
	}
	return e.prog.Jacobian
}

// Hessian returns the last evaluated Hessian entries, i <= j. The slices
// alias the expression's buffers.
func (e *Expression) Hessian() types.Hessian {
	if e.prog == nil {
		return types.Hessian{}
	}
	return types.Hessian{Pairs: e.prog.Hessian, Values: e.hess}
}

// HessianPairs returns the Hessian structure.
func (e *Expression) HessianPairs() []types.Pair {
	if e.prog == nil {
		return nil
	}
	return e.prog.Hessian
}

// HessianPositions returns the model-wide slot of every Hessian entry.
func (e *Expression) HessianPositions() []uint32 { return e.hpos }

// AddHessian accumulates lambda times this expression's Hessian into the
// model buffer values at the registered positions.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (e *Expression) AddHessian(values []float64, lambda float64) {
	if e.hpos == nil && len(e.hess) > 0 {
		panic("engine: AddHessian on expression without Hessian positions")
	}
	for i, pos := range e.hpos {
		values[pos] += lambda * e.hess[i]
	}
}
