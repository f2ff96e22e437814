// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🏗️ COMPILE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Parallel tracing of a whole model
//
// Description:
//   Traces many expressions concurrently, consulting an optional program
//   cache keyed by tape fingerprint. Hessian positions are registered
//   afterwards on the calling goroutine in slice order, so the model-wide
//   layout does not depend on scheduling.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/stanle/madopt/debug"
	"github.com/stanle/madopt/hesspos"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/utils"
)

// ProgramCache persists programs across runs. Implementations must be safe
// for concurrent use.
type ProgramCache interface {
	Load(fp tape.Fingerprint) (*Program, bool, error)
	Save(fp tape.Fingerprint, p *Program) error
}

// CompileOptions tunes CompileAll.
type CompileOptions struct {
	Workers int          // Concurrent traces; <= 0 means GOMAXPROCS
	Cache   ProgramCache // Optional
}

// CompileStats counts where the programs of one CompileAll came from.
type CompileStats struct {
	Traced int
	Cached int
	Stale  int // Cached programs rejected and traced again
}

var tracers = sync.Pool{New: func() any { return NewTracer() }}

// CompileAll traces every expression and registers its Hessian pairs in hm
// (which may be nil). A frozen hm must already hold every pair. On error no
// expression is modified.
func CompileAll(ctx context.Context, exprs []*Expression, hm *hesspos.Map, opts CompileOptions) (CompileStats, error) {
	var stats CompileStats
	var traced, cached, stale atomic.Int64

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	progs := make([]*Program, len(exprs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, e := range exprs {
		i, e := i, e
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t := e.Tape()
			var fp tape.Fingerprint
			if opts.Cache != nil {
				fp = t.Fingerprint()
				if p := loadCached(opts.Cache, fp, t, &stale); p != nil {
					progs[i] = p
					cached.Add(1)
					return nil
				}
			}

			tr := tracers.Get().(*Tracer)
			p, err := tr.Trace(t)
			tracers.Put(tr)
			if err != nil {
				return fmt.Errorf("engine: compile expression %d: %w", i, err)
			}
			progs[i] = p
			traced.Add(1)

			if opts.Cache != nil {
				if err := opts.Cache.Save(fp, p); err != nil {
					debug.DropError("engine: cache save", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	for i, p := range progs {
		if err := registrable(p, hm); err != nil {
			return stats, fmt.Errorf("engine: compile expression %d: %w", i, err)
		}
	}

	for i, e := range exprs {
		e.attach(progs[i], hm)
	}

	stats.Traced = int(traced.Load())
	stats.Cached = int(cached.Load())
	stats.Stale = int(stale.Load())
	if stats.Cached > 0 || stats.Stale > 0 {
		debug.DropMessage("engine: compile", utils.Itoa(stats.Traced)+" traced, "+
			utils.Itoa(stats.Cached)+" cached, "+utils.Itoa(stats.Stale)+" stale")
	}
	return stats, nil
}

// loadCached returns a usable cached program for t, or nil. Load errors and
// programs that do not fit t count as misses.
func loadCached(c ProgramCache, fp tape.Fingerprint, t *tape.Tape, stale *atomic.Int64) *Program {
	p, ok, err := c.Load(fp)
	if err != nil {
		debug.DropError("engine: cache load", err)
		return nil
	}
	if !ok {
		return nil
	}
	if err := p.Check(t); err != nil {
		debug.DropError("engine: cache entry "+fp.String(), err)
		stale.Add(1)
		return nil
	}
	return p
}
