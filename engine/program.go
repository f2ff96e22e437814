package engine

import (
	"errors"
	"fmt"

	"github.com/stanle/madopt/types"
)

// ErrBadProgram reports a program whose buffers or log do not fit together,
// usually one read back from a stale cache.
var ErrBadProgram = errors.New("inconsistent traced program")

// ErrNotTraced reports an evaluation of an expression with no program.
var ErrNotTraced = errors.New("expression not traced")

// ErrFrozenPositions reports a Hessian pair that a frozen position map has
// no slot for.
var ErrFrozenPositions = errors.New("hessian pair missing from frozen position map")

// Program is everything a trace learns about a tape. It depends only on the
// tape's structure, so one Program serves every evaluation of that tape and
// every tape with the same fingerprint.
//
// Log is a flat stream consumed front to back by replay. Each segment merge
// contributes a count followed by that many (to, from) position pairs; each
// product contributes a count followed by the positions of diagonal terms
// that need doubling.
type Program struct {
	NumVars  int          `json:"num_vars"`
	Jacobian []types.Idx  `json:"jacobian"` // Gradient sparsity, evaluation order
	Hessian  []types.Pair `json:"hessian"`  // Hessian sparsity, evaluation order
	Log      []int32      `json:"log"`
	MaxCells int          `json:"max_cells"` // Peak value stack depth
	MaxJac   int          `json:"max_jac"`   // Peak gradient entries on the stack
	MaxHess  int          `json:"max_hess"`  // Peak Hessian entries on the stack
	MaxSegs  int          `json:"max_segs"`  // Peak Hessian segment count
}

// Validate checks the bounds replay relies on.
func (p *Program) Validate() error {
	switch {
	case p.MaxCells < 1:
		return fmt.Errorf("engine: max cells %d: %w", p.MaxCells, ErrBadProgram)
	case p.MaxSegs < p.MaxCells:
		return fmt.Errorf("engine: %d segments for %d cells: %w", p.MaxSegs, p.MaxCells, ErrBadProgram)
	case len(p.Jacobian) > p.MaxJac || len(p.Hessian) > p.MaxHess:
		return fmt.Errorf("engine: record larger than peak buffers: %w", ErrBadProgram)
	}
	for _, i := range p.Jacobian {
		if int(i) >= p.NumVars {
			return fmt.Errorf("engine: gradient index %d of %d vars: %w", i, p.NumVars, ErrBadProgram)
		}
	}
	for _, h := range p.Hessian {
		if h.I > h.J || int(h.J) >= p.NumVars {
			return fmt.Errorf("engine: hessian pair %v of %d vars: %w", h, p.NumVars, ErrBadProgram)
		}
	}
	limit := p.MaxJac
	if p.MaxHess > limit {
		limit = p.MaxHess
	}
	for _, v := range p.Log {
		if v < 0 || int(v) > limit {
			return fmt.Errorf("engine: log entry %d outside buffers: %w", v, ErrBadProgram)
		}
	}
	return nil
}
