package types

// ============================================================================
// VARIABLE AND PAIR INDICES
// ============================================================================

// Idx identifies a decision variable. Indices are dense and start at zero.
type Idx = uint32

// NoPos marks an absent position in last-occurrence tables and conflict links.
const NoPos int32 = -1

// Pair is an unordered variable pair stored with I <= J.
// Hessian entries are kept for the upper triangle only.
type Pair struct {
	I Idx // 4B - smaller index
	J Idx // 4B - larger index
}

// MakePair orders a and b so the result satisfies I <= J.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func MakePair(a, b Idx) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{I: a, J: b}
}

// Key packs the pair into one word. Packed keys order lexicographically
// by (I, J), which is the order sparse Hessian lists are kept in.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (p Pair) Key() uint64 {
	return uint64(p.I)<<32 | uint64(p.J)
}

// Diagonal reports whether both halves name the same variable.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (p Pair) Diagonal() bool {
	return p.I == p.J
}

// PairFromKey reverses Key.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func PairFromKey(k uint64) Pair {
	return Pair{I: Idx(k >> 32), J: Idx(k)}
}

// ============================================================================
// EVALUATION RESULTS
// ============================================================================

// Gradient is a sparse first-derivative readout: Values[k] is the partial
// derivative with respect to Indices[k].
type Gradient struct {
	Indices []Idx
	Values  []float64
}

// Hessian is a sparse upper-triangle second-derivative readout.
type Hessian struct {
	Pairs  []Pair
	Values []float64
}

// Lookup returns the entry for variable i, or 0 when i is structurally absent.
func (g Gradient) Lookup(i Idx) float64 {
	for k, idx := range g.Indices {
		if idx == i {
			return g.Values[k]
		}
	}
	return 0
}

// Lookup returns H_ij for either argument order.
func (h Hessian) Lookup(i, j Idx) float64 {
	p := MakePair(i, j)
	for k, q := range h.Pairs {
		if q == p {
			return h.Values[k]
		}
	}
	return 0
}
