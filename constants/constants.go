// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go - engine-wide sizing defaults
//
// Purpose:
//   - Initial capacities for node pools, dual-cell stacks and replay buffers.
//   - Defaults for the parallel dispatcher and the trace cache.
//
// Notes:
//   - Everything here is a starting point; pools and buffers grow on demand
//     unless fixed mode is enabled.
//
// ⚠️ No runtime logic here - all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Node Pools ──────────────────────────────

const (
	// JacPoolNodes is the default node count pre-reserved for gradient lists.
	JacPoolNodes = 1 << 10

	// HessPoolNodes is the default node count pre-reserved for Hessian lists.
	// Hessians outgrow gradients quadratically in the number of coupled variables.
	HessPoolNodes = 1 << 12

	// PoolGrowStep is the minimum number of nodes added when a growable pool
	// runs dry.
	PoolGrowStep = 64
)

// ─────────────────────────── Evaluation Stacks ─────────────────────────────

const (
	// StackCells is the initial dual-cell stack depth.
	StackCells = 32

	// PairBucketsMin is the smallest bucket count for the pair last-position map.
	PairBucketsMin = 1

	// HessIndexLoad is the inverse load factor of the global Hessian position map.
	HessIndexLoad = 2
)

// ───────────────────────── Dispatcher & Cache ─────────────────────────

const (
	// DefaultWorkers is used when neither configuration nor the runtime
	// reports a usable CPU count.
	DefaultWorkers = 1

	// MetricsNamespace prefixes every exported dispatcher metric.
	MetricsNamespace = "madopt"

	// CacheTable names the sqlite table holding traced programs.
	CacheTable = "programs"

	// CacheFormat versions the serialized program layout; rows with another
	// version are ignored and re-traced.
	CacheFormat = 1
)
