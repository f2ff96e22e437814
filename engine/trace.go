// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🔍 TRACE PASS
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Structural pre-pass producing sparsity records and conflict logs
//
// Description:
//   Walks a tape once, pushing variable ids and variable pairs instead of
//   values. Every pushed entry remembers where the same id was pushed last.
//   When segments merge, any entry whose previous occurrence lies inside the
//   merged range is a conflict: it is folded into that occurrence and its
//   slot is refilled from the top. The (to, from) pairs are logged so that
//   replay can redo the exact same moves on bare value arrays.
//
// Features:
//   - Per-variable last-position table for gradients
//   - Bucketed pair table for Hessians
//   - Peak buffer sizes recorded for zero-growth replay
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package engine

import (
	"fmt"

	"github.com/stanle/madopt/pairidx"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
)

// Tracer holds scratch space reused across traces. Not safe for concurrent
// use; CompileAll gives each goroutine its own.
type Tracer struct {
	jIds  []types.Idx // Gradient ids on the stack
	jLink []int32     // Previous position of the same id, or NoPos
	jPos  []int32     // Segment starts, one per cell
	jLast []int32     // Last position per variable

	hPairs []types.Pair
	hLink  []int32
	hPos   []int32
	hLast  *pairidx.Map

	log   []int32
	cells int

	maxCells, maxJac, maxHess, maxSegs int
}

// NewTracer returns an empty tracer.
func NewTracer() *Tracer {
	return &Tracer{hLast: pairidx.New(0)}
}

func (tr *Tracer) reset(numVars int) {
	tr.jIds, tr.jLink, tr.jPos = tr.jIds[:0], tr.jLink[:0], tr.jPos[:0]
	tr.hPairs, tr.hLink, tr.hPos = tr.hPairs[:0], tr.hLink[:0], tr.hPos[:0]
	tr.log = tr.log[:0]
	tr.cells = 0
	tr.maxCells, tr.maxJac, tr.maxHess, tr.maxSegs = 0, 0, 0, 0

	if cap(tr.jLast) < numVars {
		tr.jLast = make([]int32, numVars)
	}
	tr.jLast = tr.jLast[:numVars]
	for i := range tr.jLast {
		tr.jLast[i] = types.NoPos
	}
	tr.hLast.Resize(numVars)
}

// Trace derives the Program of t.
func (tr *Tracer) Trace(t *tape.Tape) (*Program, error) {
	tr.reset(t.NumVars())
	for i, op := range t.Ops() {
		if need := op.Pops(); tr.cells < need {
			return nil, fmt.Errorf("engine: trace op %d (%s): %w", i, op.Kind(), tape.ErrStackUnderflow)
		}
		switch op.Kind() {
		case tape.KindVar:
			tr.pushCell()
			tr.pushJac(op.Var())
		case tape.KindSqrVar:
			v := op.Var()
			tr.pushCell()
			tr.pushJac(v)
			tr.pushHess(types.Pair{I: v, J: v})
		case tape.KindConst, tape.KindParam:
			tr.pushCell()
		case tape.KindAdd:
			n := op.Arity()
			tr.mergeJac(n)
			tr.mergeHess(n)
			tr.cells -= n - 1
		case tape.KindMul:
			for k := op.Arity(); k > 1; k-- {
				tr.mul()
			}
		default:
			if !op.Kind().Unary() {
				return nil, fmt.Errorf("engine: trace op %d: %w", i, tape.ErrUnknownOperator)
			}
			tr.unary()
		}
	}
	if tr.cells != 1 {
		return nil, fmt.Errorf("engine: trace: %w", tape.ErrUnbalancedTape)
	}
	return &Program{
		NumVars:  t.NumVars(),
		Jacobian: append([]types.Idx(nil), tr.jIds...),
		Hessian:  append([]types.Pair(nil), tr.hPairs...),
		Log:      append([]int32(nil), tr.log...),
		MaxCells: tr.maxCells,
		MaxJac:   tr.maxJac,
		MaxHess:  tr.maxHess,
		MaxSegs:  tr.maxSegs,
	}, nil
}

// ============================================================================
// PUSHES
// ============================================================================

// pushCell opens an empty gradient and Hessian segment.
func (tr *Tracer) pushCell() {
	tr.cells++
	if tr.cells > tr.maxCells {
		tr.maxCells = tr.cells
	}
	tr.jPos = append(tr.jPos, int32(len(tr.jIds)))
	tr.pushHessSeg()
}

func (tr *Tracer) pushHessSeg() {
	tr.hPos = append(tr.hPos, int32(len(tr.hPairs)))
	if len(tr.hPos) > tr.maxSegs {
		tr.maxSegs = len(tr.hPos)
	}
}

func (tr *Tracer) pushJac(id types.Idx) {
	pos := int32(len(tr.jIds))
	tr.jIds = append(tr.jIds, id)
	tr.jLink = append(tr.jLink, tr.jLast[id])
	tr.jLast[id] = pos
	if len(tr.jIds) > tr.maxJac {
		tr.maxJac = len(tr.jIds)
	}
}

func (tr *Tracer) pushHess(p types.Pair) {
	pos := int32(len(tr.hPairs))
	tr.hPairs = append(tr.hPairs, p)
	tr.hLink = append(tr.hLink, tr.hLast.Exchange(p, pos))
	if len(tr.hPairs) > tr.maxHess {
		tr.maxHess = len(tr.hPairs)
	}
}

// ============================================================================
// MERGES
// ============================================================================

// mergeJac fuses the top n gradient segments into one.
func (tr *Tracer) mergeJac(n int) {
	if n < 2 {
		return
	}
	segs := len(tr.jPos)
	prevStart, lastStart := tr.jPos[segs-n], tr.jPos[segs-n+1]
	slot := len(tr.log)
	tr.log = append(tr.log, 0)

	for i := int32(len(tr.jIds)) - 1; i >= lastStart; i-- {
		c := tr.jLink[i]
		if c < prevStart {
			continue
		}
		tr.log[slot]++
		tr.log = append(tr.log, c, i)
		tr.jLast[tr.jIds[i]] = c

		last := int32(len(tr.jIds)) - 1
		if i != last {
			tr.jIds[i], tr.jLink[i] = tr.jIds[last], tr.jLink[last]
			tr.jLast[tr.jIds[i]] = i
		}
		tr.jIds, tr.jLink = tr.jIds[:last], tr.jLink[:last]
	}
	tr.jPos = tr.jPos[:segs-n+1]
}

// mergeHess fuses the top n Hessian segments into one.
func (tr *Tracer) mergeHess(n int) {
	if n < 2 {
		return
	}
	segs := len(tr.hPos)
	prevStart, lastStart := tr.hPos[segs-n], tr.hPos[segs-n+1]
	slot := len(tr.log)
	tr.log = append(tr.log, 0)

	for i := int32(len(tr.hPairs)) - 1; i >= lastStart; i-- {
		c := tr.hLink[i]
		if c < prevStart {
			continue
		}
		tr.log[slot]++
		tr.log = append(tr.log, c, i)
		tr.hLast.Set(tr.hPairs[i], c)

		last := int32(len(tr.hPairs)) - 1
		if i != last {
			tr.hPairs[i], tr.hLink[i] = tr.hPairs[last], tr.hLink[last]
			tr.hLast.Set(tr.hPairs[i], i)
		}
		tr.hPairs, tr.hLink = tr.hPairs[:last], tr.hLink[:last]
	}
	tr.hPos = tr.hPos[:segs-n+1]
}

// ============================================================================
// OPERATORS
// ============================================================================

// mul folds the top cell into the one below. The cross terms g_i*h_k are
// pushed onto the top Hessian segment; terms whose two ids coincide land on
// the diagonal once where the product rule counts them twice, so their
// positions are logged for doubling.
func (tr *Tracer) mul() {
	segs := len(tr.jPos)
	prev0, last0 := tr.jPos[segs-2], tr.jPos[segs-1]
	last1 := int32(len(tr.jIds))

	slot := len(tr.log)
	tr.log = append(tr.log, 0)
	for i := last0; i < last1; i++ {
		for k := prev0; k < last0; k++ {
			p := types.MakePair(tr.jIds[i], tr.jIds[k])
			if p.Diagonal() {
				tr.log[slot]++
				tr.log = append(tr.log, int32(len(tr.hPairs)))
			}
			tr.pushHess(p)
		}
	}
	tr.mergeHess(2)
	tr.mergeJac(2)
	tr.cells--
}

// unary adds the d2*grad⊗grad pairs of the top cell as a new segment and
// folds it into the cell's Hessian.
func (tr *Tracer) unary() {
	start := tr.jPos[len(tr.jPos)-1]
	end := int32(len(tr.jIds))
	tr.pushHessSeg()
	for i := start; i < end; i++ {
		for k := i; k < end; k++ {
			tr.pushHess(types.MakePair(tr.jIds[i], tr.jIds[k]))
		}
	}
	tr.mergeHess(2)
}
