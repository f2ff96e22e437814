// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ REPLAY EVALUATOR
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Allocation-free numeric evaluation driven by a traced program
//
// Description:
//   Replays a tape on flat value arrays. Ids are gone: the conflict log says
//   which slot folds into which, so merging n segments is a run of adds and
//   tail moves. Buffers are sized from the program's recorded peaks, which
//   makes steady-state evaluation free of heap traffic.
//
// Safety model:
//   - A Workspace is scratch for one goroutine at a time
//   - Replaying a tape against a program traced from a different structure
//     panics once the divergence is detected
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package engine

import (
	"math"

	"github.com/stanle/madopt/tape"
)

// Workspace holds replay buffers. Size it once for the largest program it
// will run; Clone it per worker.
type Workspace struct {
	g    []float64 // Value stack
	jv   []float64 // Gradient values
	jPos []int32   // Gradient segment starts
	hv   []float64 // Hessian values
	hPos []int32   // Hessian segment starts

	gn, jn, js, hn, hs int // Live lengths
}

// NewWorkspace returns a workspace large enough for every program given.
func NewWorkspace(progs ...*Program) *Workspace {
	w := &Workspace{}
	for _, p := range progs {
		w.Reserve(p)
	}
	return w
}

// Reserve grows the buffers to fit p. It allocates only when p exceeds
// every program reserved before.
func (w *Workspace) Reserve(p *Program) {
	w.g = growF(w.g, p.MaxCells)
	w.jv = growF(w.jv, p.MaxJac)
	w.jPos = growI(w.jPos, p.MaxCells)
	w.hv = growF(w.hv, p.MaxHess)
	w.hPos = growI(w.hPos, p.MaxSegs)
}

// Fits reports whether p can run without growing the buffers.
func (w *Workspace) Fits(p *Program) bool {
	return len(w.g) >= p.MaxCells && len(w.jv) >= p.MaxJac && len(w.hv) >= p.MaxHess && len(w.hPos) >= p.MaxSegs
}

// Clone returns a workspace with buffers of the same size.
func (w *Workspace) Clone() *Workspace {
	return &Workspace{
		g:    make([]float64, len(w.g)),
		jv:   make([]float64, len(w.jv)),
		jPos: make([]int32, len(w.jPos)),
		hv:   make([]float64, len(w.hv)),
		hPos: make([]int32, len(w.hPos)),
	}
}

func growF(s []float64, n int) []float64 {
	if len(s) >= n {
		return s
	}
	return make([]float64, n)
}

func growI(s []int32, n int) []int32 {
	if len(s) >= n {
		return s
	}
	return make([]int32, n)
}

// ============================================================================
// REPLAY
// ============================================================================

// replay evaluates t under p at x. Afterwards the single cell's value is
// g[0], its gradient jv[:len(p.Jacobian)] and its Hessian hv[:len(p.Hessian)],
// both in sparsity-record order.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (w *Workspace) replay(p *Program, t *tape.Tape, x []float64) {
	w.gn, w.jn, w.js, w.hn, w.hs = 0, 0, 0, 0, 0
	log := p.Log
	cur := 0

	for _, op := range t.Ops() {
		switch op.Kind() {
		case tape.KindVar:
			w.pushCell(x[op.Var()])
			w.jv[w.jn] = 1
			w.jn++
		case tape.KindSqrVar:
			v := x[op.Var()]
			w.pushCell(v * v)
			w.jv[w.jn] = 2 * v
			w.jn++
			w.hv[w.hn] = 2
			w.hn++
		case tape.KindConst:
			w.pushCell(op.Constant())
		case tape.KindParam:
			w.pushCell(op.Param().Value())
		case tape.KindAdd:
			n := op.Arity()
			base := w.gn - n
			for k := base + 1; k < w.gn; k++ {
				w.g[base] += w.g[k]
			}
			w.gn = base + 1
			w.jn, w.js, cur = merge(w.jv, w.jn, w.js, n, log, cur)
			w.hn, w.hs, cur = merge(w.hv, w.hn, w.hs, n, log, cur)
		case tape.KindMul:
			for k := op.Arity(); k > 1; k-- {
				cur = w.mul(log, cur)
			}
		case tape.KindPow:
			g := w.g[w.gn-1]
			e := op.Exponent()
			ph := 1.0
			if e != 2 {
				ph = math.Pow(g, e-2)
			}
			cur = w.unary(ph*g*g, e*ph*g, e*(e-1)*ph, log, cur)
		case tape.KindSin:
			g := w.g[w.gn-1]
			s := math.Sin(g)
			cur = w.unary(s, math.Cos(g), -s, log, cur)
		case tape.KindCos:
			g := w.g[w.gn-1]
			c := math.Cos(g)
			cur = w.unary(c, -math.Sin(g), -c, log, cur)
		case tape.KindTan:
			tn := math.Tan(w.g[w.gn-1])
			sec2 := 1 + tn*tn
			cur = w.unary(tn, sec2, 2*tn*sec2, log, cur)
		case tape.KindLog2:
			g := w.g[w.gn-1]
			cur = w.unary(math.Log2(g), 1/(g*math.Ln2), -1/(g*g*math.Ln2), log, cur)
		case tape.KindLn:
			g := w.g[w.gn-1]
			cur = w.unary(math.Log(g), 1/g, -1/(g*g), log, cur)
		}
	}

	if cur != len(log) || w.gn != 1 || w.jn != len(p.Jacobian) || w.hn != len(p.Hessian) {
		panic("engine: replay diverged from traced program")
	}
}

// pushCell opens a cell with empty gradient and Hessian segments.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (w *Workspace) pushCell(g float64) {
	w.g[w.gn] = g
	w.gn++
	w.jPos[w.js] = int32(w.jn)
	w.js++
	w.hPos[w.hs] = int32(w.hn)
	w.hs++
}

// merge replays one logged segment merge over vals and returns the new
// value count, segment count and log cursor.
//
//go:norace
//go:nocheckptr
//go:registerparams
func merge(vals []float64, size, segs, n int, log []int32, cur int) (int, int, int) {
	if n < 2 {
		return size, segs, cur
	}
	count := int(log[cur])
	cur++
	for k := 0; k < count; k++ {
		to, from := log[cur], log[cur+1]
		cur += 2
		vals[to] += vals[from]
		size--
		vals[from] = vals[size]
	}
	return size, segs - (n - 1), cur
}

// mul applies the product rule to the top two cells.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (w *Workspace) mul(log []int32, cur int) int {
	gPrev, gLast := w.g[w.gn-2], w.g[w.gn-1]

	// Hessians: prev*gLast + last*gPrev + cross terms
	h0, h1 := int(w.hPos[w.hs-2]), int(w.hPos[w.hs-1])
	for k := h0; k < h1; k++ {
		w.hv[k] *= gLast
	}
	for k := h1; k < w.hn; k++ {
		w.hv[k] *= gPrev
	}
	j0, j1 := int(w.jPos[w.js-2]), int(w.jPos[w.js-1])
	for i := j1; i < w.jn; i++ {
		a := w.jv[i]
		for k := j0; k < j1; k++ {
			w.hv[w.hn] = a * w.jv[k]
			w.hn++
		}
	}
	count := int(log[cur])
	cur++
	for k := 0; k < count; k++ {
		w.hv[log[cur]] *= 2
		cur++
	}
	w.hn, w.hs, cur = merge(w.hv, w.hn, w.hs, 2, log, cur)

	// Gradients: prev*gLast + last*gPrev
	for k := j0; k < j1; k++ {
		w.jv[k] *= gLast
	}
	for k := j1; k < w.jn; k++ {
		w.jv[k] *= gPrev
	}
	w.jn, w.js, cur = merge(w.jv, w.jn, w.js, 2, log, cur)

	w.gn--
	w.g[w.gn-1] = gPrev * gLast
	return cur
}

// unary replaces the top value with g and applies the chain rule with
// outer derivatives d1 and d2.
//
//go:norace
//go:nocheckptr
//go:registerparams
func (w *Workspace) unary(g, d1, d2 float64, log []int32, cur int) int {
	w.g[w.gn-1] = g

	for k := int(w.hPos[w.hs-1]); k < w.hn; k++ {
		w.hv[k] *= d1
	}
	w.hPos[w.hs] = int32(w.hn)
	w.hs++

	j0 := int(w.jPos[w.js-1])
	for i := j0; i < w.jn; i++ {
		a := d2 * w.jv[i]
		for k := i; k < w.jn; k++ {
			w.hv[w.hn] = a * w.jv[k]
			w.hn++
		}
	}
	w.hn, w.hs, cur = merge(w.hv, w.hn, w.hs, 2, log, cur)

	for k := j0; k < w.jn; k++ {
		w.jv[k] *= d1
	}
	return cur
}
