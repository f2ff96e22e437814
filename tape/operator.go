// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🧾 TAPE OPERATORS
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: madopt sparse AD engine
// Component: Postfix instruction set
//
// Description:
//   An Operator is one postfix instruction. Its kind decides which payload it
//   carries: a variable index, an arity, a number (constant or exponent) or a
//   parameter. Reading a payload the kind does not carry panics.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tape

import (
	"github.com/stanle/madopt/types"
	"github.com/stanle/madopt/utils"
)

// Kind tags an Operator.
type Kind uint8

const (
	KindVar    Kind = iota // push x[i]
	KindSqrVar             // push x[i]^2
	KindConst              // push a literal
	KindParam              // push a parameter's current value
	KindAdd                // sum of the top n values
	KindMul                // product of the top n values
	KindPow                // top^e
	KindSin
	KindCos
	KindTan
	KindLog2
	KindLn
	kindCount
)

var kindNames = [kindCount]string{
	KindVar:    "var",
	KindSqrVar: "sqr",
	KindConst:  "const",
	KindParam:  "param",
	KindAdd:    "add",
	KindMul:    "mul",
	KindPow:    "pow",
	KindSin:    "sin",
	KindCos:    "cos",
	KindTan:    "tan",
	KindLog2:   "log2",
	KindLn:     "ln",
}

// String returns the kind's wire name.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "kind(" + utils.Itoa(int(k)) + ")"
}

// kindByName reverses String.
func kindByName(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Leaf reports whether the kind pushes without popping.
func (k Kind) Leaf() bool { return k <= KindParam }

// Unary reports whether the kind maps one value to one value.
func (k Kind) Unary() bool { return k >= KindPow && k < kindCount }

// ============================================================================
// OPERATOR
// ============================================================================

// Operator is a tagged postfix instruction.
type Operator struct {
	num   float64   // 8B - constant or exponent
	param *Param    // 8B - parameter reference
	index types.Idx // 4B - variable index or arity
	kind  Kind      // 1B - tag
}

// VarOp pushes x[i].
func VarOp(i types.Idx) Operator { return Operator{kind: KindVar, index: i} }

// SqrVarOp pushes x[i]^2.
func SqrVarOp(i types.Idx) Operator { return Operator{kind: KindSqrVar, index: i} }

// ConstOp pushes c.
func ConstOp(c float64) Operator { return Operator{kind: KindConst, num: c} }

// ParamOp pushes p's value at evaluation time.
func ParamOp(p *Param) Operator { return Operator{kind: KindParam, param: p} }

// AddOp sums the top n values.
func AddOp(n uint32) Operator { return Operator{kind: KindAdd, index: n} }

// MulOp multiplies the top n values.
func MulOp(n uint32) Operator { return Operator{kind: KindMul, index: n} }

// PowOp raises the top value to e.
func PowOp(e float64) Operator { return Operator{kind: KindPow, num: e} }

// SinOp, CosOp, TanOp, Log2Op and LnOp apply the named function to the top value.
func SinOp() Operator  { return Operator{kind: KindSin} }
func CosOp() Operator  { return Operator{kind: KindCos} }
func TanOp() Operator  { return Operator{kind: KindTan} }
func Log2Op() Operator { return Operator{kind: KindLog2} }
func LnOp() Operator   { return Operator{kind: KindLn} }

// Kind returns the tag.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func (o Operator) Kind() Kind { return o.kind }

// Var returns the variable index of a VAR or SQR_VAR operator.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func (o Operator) Var() types.Idx {
	if o.kind != KindVar && o.kind != KindSqrVar {
		panic("tape: wrong payload accessor Var on " + o.kind.String())
	}
	return o.index
}

// Arity returns the operand count of an ADD or MUL operator.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func (o Operator) Arity() int {
	if o.kind != KindAdd && o.kind != KindMul {
		panic("tape: wrong payload accessor Arity on " + o.kind.String())
	}
	return int(o.index)
}

// Constant returns the literal of a CONST operator.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func (o Operator) Constant() float64 {
	if o.kind != KindConst {
		panic("tape: wrong payload accessor Constant on " + o.kind.String())
	}
	return o.num
}

// Exponent returns the exponent of a POW operator.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func (o Operator) Exponent() float64 {
	if o.kind != KindPow {
		panic("tape: wrong payload accessor Exponent on " + o.kind.String())
	}
	return o.num
}

// Param returns the parameter of a PARAM operator.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func (o Operator) Param() *Param {
	if o.kind != KindParam {
		panic("tape: wrong payload accessor Param on " + o.kind.String())
	}
	return o.param
}

// Pops returns how many stack values the operator consumes.
func (o Operator) Pops() int {
	switch {
	case o.kind.Leaf():
		return 0
	case o.kind == KindAdd || o.kind == KindMul:
		return int(o.index)
	default:
		return 1
	}
}

// ============================================================================
// PARAMETERS
// ============================================================================

// Param is a named scalar read at every evaluation. Changing its value
// needs no re-trace. Set must not race with an evaluation in progress.
type Param struct {
	name  string
	value float64
}

// NewParam creates a parameter.
func NewParam(name string, value float64) *Param {
	return &Param{name: name, value: value}
}

// Name returns the parameter's name.
func (p *Param) Name() string { return p.name }

// Value returns the current value.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
func (p *Param) Value() float64 { return p.value }

// Set replaces the value.
func (p *Param) Set(v float64) { p.value = v }
