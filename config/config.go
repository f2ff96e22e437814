// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚙️ ENGINE CONFIGURATION
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Runtime settings
//
// Description:
//   Collects the knobs shared by the evaluators, the compiler and the dispatcher.
//   Values start from compile-time defaults and may be overridden from the
//   environment (MADOPT_* variables) before any evaluator is built.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package config

import (
	"runtime"

	"github.com/stanle/madopt/constants"
	"github.com/xyproto/env/v2"
)

// Config holds engine settings. The zero value is not useful; start from Default.
type Config struct {
	Workers    int    // Dispatcher worker count
	PinWorkers bool   // Lock workers to OS threads and pin them to CPUs
	FirstCPU   int    // CPU assigned to worker 0 when pinning
	FixedPools bool   // Freeze node pools after the first evaluation
	JacPool    int    // Nodes reserved up front for gradient lists
	HessPool   int    // Nodes reserved up front for Hessian lists
	TraceCache string // sqlite path for traced programs; empty disables caching
}

// Default returns the built-in settings: one worker per CPU, no pinning,
// growable pools and no trace cache.
func Default() Config {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = constants.DefaultWorkers
	}
	return Config{
		Workers:  workers,
		JacPool:  constants.JacPoolNodes,
		HessPool: constants.HessPoolNodes,
	}
}

// FromEnv overlays MADOPT_* environment variables on Default.
func FromEnv() Config {
	c := Default()
	c.Workers = env.Int("MADOPT_WORKERS", c.Workers)
	c.PinWorkers = env.Bool("MADOPT_PIN_WORKERS")
	c.FirstCPU = env.Int("MADOPT_FIRST_CPU", c.FirstCPU)
	c.FixedPools = env.Bool("MADOPT_FIXED_POOLS")
	c.JacPool = env.Int("MADOPT_JAC_POOL", c.JacPool)
	c.HessPool = env.Int("MADOPT_HESS_POOL", c.HessPool)
	c.TraceCache = env.Str("MADOPT_TRACE_CACHE", c.TraceCache)
	return c.Normalize()
}

// Normalize clamps out-of-range values back to usable ones.
func (c Config) Normalize() Config {
	if c.Workers < 1 {
		c.Workers = constants.DefaultWorkers
	}
	if c.FirstCPU < 0 {
		c.FirstCPU = 0
	}
	if c.JacPool < 0 {
		c.JacPool = 0
	}
	if c.HessPool < 0 {
		c.HessPool = 0
	}
	return c
}
