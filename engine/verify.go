package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/stanle/madopt/adstack"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
)

// ErrMismatch reports a replay result that disagrees with the stack
// interpreter.
var ErrMismatch = errors.New("replay disagrees with interpreter")

// Check reports whether p can drive t: bounds must hold and a dry replay at
// the origin must consume the log exactly.
func (p *Program) Check(t *tape.Tape) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.NumVars != t.NumVars() {
		return fmt.Errorf("engine: program for %d vars, tape has %d: %w", p.NumVars, t.NumVars(), ErrBadProgram)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: dry replay: %v: %w", r, ErrBadProgram)
		}
	}()
	NewWorkspace(p).replay(p, t, make([]float64, t.NumVars()))
	return nil
}

// Verify evaluates e at x on both the replay engine and st and compares
// value, gradient and Hessian entry by entry. Entries agree when they are
// within tol absolutely or relative to their magnitude.
func Verify(e *Expression, ws *Workspace, st *adstack.Stack, x []float64, tol float64) error {
	if err := e.Evaluate(ws, x); err != nil {
		return err
	}
	if err := st.Evaluate(e.Tape(), x); err != nil {
		return err
	}
	var g types.Gradient
	var h types.Hessian
	v := st.Result(&g, &h)

	if !near(e.Value(), v, tol) {
		return fmt.Errorf("engine: value %g vs %g: %w", e.Value(), v, ErrMismatch)
	}

	jac := e.Jacobian()
	if len(jac.Indices) != len(g.Indices) {
		return fmt.Errorf("engine: %d gradient entries vs %d: %w", len(jac.Indices), len(g.Indices), ErrMismatch)
	}
	for k, i := range jac.Indices {
		if want := g.Lookup(i); !near(jac.Values[k], want, tol) {
			return fmt.Errorf("engine: d/dx%d %g vs %g: %w", i, jac.Values[k], want, ErrMismatch)
		}
	}

	hess := e.Hessian()
	if len(hess.Pairs) != len(h.Pairs) {
		return fmt.Errorf("engine: %d hessian entries vs %d: %w", len(hess.Pairs), len(h.Pairs), ErrMismatch)
	}
	for k, p := range hess.Pairs {
		if want := h.Lookup(p.I, p.J); !near(hess.Values[k], want, tol) {
			return fmt.Errorf("engine: d2/dx%d dx%d %g vs %g: %w", p.I, p.J, hess.Values[k], want, ErrMismatch)
		}
	}
	return nil
}

func near(a, b, tol float64) bool {
	if a == b {
		return true
	}
	d := math.Abs(a - b)
	return d <= tol || d <= tol*math.Max(math.Abs(a), math.Abs(b))
}
