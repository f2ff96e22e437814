// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🚀 PARALLEL DISPATCHER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Barrier-synchronized evaluation of a whole model across workers
//
// Description:
//   Splits the expressions into contiguous ranges of roughly equal tape
//   length, one per worker. Each worker owns a workspace cloned from a
//   reference sized for its range. A request publishes x, wakes every
//   worker and blocks until the last one reports back.
//
// Threading model:
//   - Workers optionally lock to an OS thread pinned to FirstCPU+id
//   - Expressions are written only by the worker owning their range
//   - A worker panic aborts the request and is re-raised to the caller
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package dispatch

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/stanle/madopt/config"
	"github.com/stanle/madopt/debug"
	"github.com/stanle/madopt/engine"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/utils"
)

// ErrClosed reports a request to a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Range is a half-open span [Lo, Hi) of expressions.
type Range struct {
	Lo, Hi int
}

type evalFunc func(e *engine.Expression, ws *engine.Workspace, x []float64) error

// Dispatcher evaluates a fixed set of traced expressions in parallel.
// Requests are serialized; DispatchEvaluate may be called from any goroutine.
type Dispatcher struct {
	exprs   []*engine.Expression
	ranges  []Range
	spaces  []*engine.Workspace
	numVars int
	cfg     config.Config
	metrics *Metrics
	eval    evalFunc

	call sync.Mutex // One request at a time

	mu       sync.Mutex
	start    *sync.Cond // Workers wait for a new generation
	finished *sync.Cond // Coordinator waits for pending == 0
	gen      uint64
	pending  int
	stop     bool
	x        []float64
	fault    string // First panic of the current request
	err      error  // First error of the current request

	wg sync.WaitGroup
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New starts cfg.Workers workers over exprs, which must all be traced. A nil
// m gets unregistered metrics.
func New(exprs []*engine.Expression, cfg config.Config, m *Metrics) (*Dispatcher, error) {
	cfg = cfg.Normalize()
	if m == nil {
		m = NewMetrics(nil)
	}

	costs := make([]int, len(exprs))
	numVars := 0
	for i, e := range exprs {
		if !e.Traced() {
			return nil, fmt.Errorf("dispatch: expression %d: %w", i, engine.ErrNotTraced)
		}
		costs[i] = e.Tape().Len()
		if n := e.Tape().NumVars(); n > numVars {
			numVars = n
		}
	}

	d := &Dispatcher{
		exprs:   exprs,
		ranges:  Partition(costs, cfg.Workers),
		numVars: numVars,
		cfg:     cfg,
		metrics: m,
		eval:    (*engine.Expression).Evaluate,
	}
	d.start = sync.NewCond(&d.mu)
	d.finished = sync.NewCond(&d.mu)

	// One reference sized for the largest program, cloned per worker.
	ref := engine.NewWorkspace()
	for _, e := range exprs {
		ref.Reserve(e.Program())
	}
	d.spaces = make([]*engine.Workspace, len(d.ranges))
	for i := range d.spaces {
		d.spaces[i] = ref.Clone()
	}

	d.wg.Add(len(d.ranges))
	for id := range d.ranges {
		go d.worker(id)
	}
	m.Workers.Add(float64(len(d.ranges)))
	debug.DropMessage("dispatch", utils.Itoa(len(d.ranges))+" workers over "+utils.Itoa(len(exprs))+" expressions")
	return d, nil
}

// Partition splits items with the given costs into at most k contiguous,
// non-empty ranges of roughly equal total cost. No items still yields one
// empty range.
func Partition(costs []int, k int) []Range {
	n := len(costs)
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}
	total := 0
	for _, c := range costs {
		total += c
	}

	out := make([]Range, 0, k)
	lo, acc := 0, 0
	for w := 0; w < k-1; w++ {
		target := total * (w + 1) / k
		limit := n - (k - 1 - w) // Leave one item per remaining worker
		hi := lo
		for hi < limit && (hi == lo || acc+costs[hi] <= target) {
			acc += costs[hi]
			hi++
		}
		out = append(out, Range{lo, hi})
		lo = hi
	}
	return append(out, Range{lo, n})
}

// Ranges returns the per-worker expression ranges.
func (d *Dispatcher) Ranges() []Range { return d.ranges }

// Workers returns the number of workers.
func (d *Dispatcher) Workers() int { return len(d.ranges) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REQUESTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// DispatchEvaluate evaluates every expression at x and returns once all
// are done. Results are read from the expressions afterwards. A panic in
// any worker is re-raised here after every worker has finished.
func (d *Dispatcher) DispatchEvaluate(x []float64) error {
	d.call.Lock()
	defer d.call.Unlock()

	if len(x) < d.numVars {
		return fmt.Errorf("dispatch: %d inputs for %d variables: %w", len(x), d.numVars, tape.ErrVarOutOfRange)
	}
	began := time.Now()

	d.mu.Lock()
	if d.stop {
		d.mu.Unlock()
		return ErrClosed
	}
	d.x = x
	d.fault, d.err = "", nil
	d.pending = len(d.ranges)
	d.gen++
	d.start.Broadcast()
	for d.pending > 0 {
		d.finished.Wait()
	}
	fault, err := d.fault, d.err
	d.x = nil
	d.mu.Unlock()

	if fault != "" {
		d.metrics.Panics.Inc()
		panic(fault)
	}
	d.metrics.observe(began, len(d.exprs))
	return err
}

// Close stops the workers and waits for them to exit. It must not race
// with DispatchEvaluate.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.stop {
		d.mu.Unlock()
		return
	}
	d.stop = true
	d.start.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
	d.metrics.Workers.Sub(float64(len(d.ranges)))
	debug.DropMessage("dispatch", "workers stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WORKERS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	if d.cfg.PinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setAffinity(d.cfg.FirstCPU + id); err != nil {
			debug.DropError("dispatch: pin worker "+utils.Itoa(id), err)
		}
	}

	r, ws := d.ranges[id], d.spaces[id]
	var seen uint64
	for {
		d.mu.Lock()
		for d.gen == seen && !d.stop {
			d.start.Wait()
		}
		if d.stop {
			d.mu.Unlock()
			return
		}
		seen = d.gen
		x := d.x
		d.mu.Unlock()

		fault, err := d.run(id, r, ws, x)

		d.mu.Lock()
		if fault != "" && d.fault == "" {
			d.fault = fault
		}
		if err != nil && d.err == nil {
			d.err = err
		}
		d.pending--
		if d.pending == 0 {
			d.finished.Signal()
		}
		d.mu.Unlock()
	}
}

// run evaluates one range, converting a panic into a message for the
// coordinator.
func (d *Dispatcher) run(id int, r Range, ws *engine.Workspace, x []float64) (fault string, err error) {
	defer func() {
		if p := recover(); p != nil {
			fault = fmt.Sprintf("dispatch: worker %d: %v", id, p)
		}
	}()
	for i := r.Lo; i < r.Hi; i++ {
		if err := d.eval(d.exprs[i], ws, x); err != nil {
			return "", fmt.Errorf("dispatch: expression %d: %w", i, err)
		}
	}
	return "", nil
}
