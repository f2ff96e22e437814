package tape

import "github.com/stanle/madopt/types"

// ============================================================================
// EXPRESSION BUILDER
// ============================================================================

// Expr is an expression under construction. Values are immutable: every
// combinator returns a new Expr and never writes into its arguments.
//
// Combining two operands of the same n-ary kind flattens them, so
// a + b + c yields one ADD(3) rather than nested ADD(2)s.
type Expr struct {
	ops []Operator
}

// Var references decision variable i.
func Var(i types.Idx) Expr { return Expr{ops: []Operator{VarOp(i)}} }

// Const is a literal.
func Const(c float64) Expr { return Expr{ops: []Operator{ConstOp(c)}} }

// Expr references the parameter.
func (p *Param) Expr() Expr { return Expr{ops: []Operator{ParamOp(p)}} }

// top returns the final operator, which determines the expression's kind.
func (e Expr) top() Operator { return e.ops[len(e.ops)-1] }

// isConst reports whether e is exactly the literal c.
func (e Expr) isConst(c float64) bool {
	return len(e.ops) == 1 && e.ops[0].kind == KindConst && e.ops[0].num == c
}

// Empty reports whether e is the zero Expr.
func (e Expr) Empty() bool { return len(e.ops) == 0 }

// combine joins a and b under an n-ary kind, absorbing operands that are
// already of that kind.
func combine(kind Kind, a, b Expr) Expr {
	ops := make([]Operator, 0, len(a.ops)+len(b.ops)+1)
	n := uint32(0)
	for _, e := range [2]Expr{a, b} {
		if top := e.top(); top.kind == kind {
			ops = append(ops, e.ops[:len(e.ops)-1]...)
			n += top.index
			continue
		}
		ops = append(ops, e.ops...)
		n++
	}
	return Expr{ops: append(ops, Operator{kind: kind, index: n})}
}

// unary appends op to a copy of e.
func (e Expr) unary(op Operator) Expr {
	ops := make([]Operator, len(e.ops), len(e.ops)+1)
	copy(ops, e.ops)
	return Expr{ops: append(ops, op)}
}

// Add returns e + b. Adding a literal zero is a no-op.
func (e Expr) Add(b Expr) Expr {
	switch {
	case e.isConst(0):
		return b
	case b.isConst(0):
		return e
	}
	return combine(KindAdd, e, b)
}

// Mul returns e * b. A literal one is a no-op, a literal zero yields zero.
func (e Expr) Mul(b Expr) Expr {
	switch {
	case e.isConst(0) || b.isConst(0):
		return Const(0)
	case e.isConst(1):
		return b
	case b.isConst(1):
		return e
	}
	return combine(KindMul, e, b)
}

// Neg returns -1 * e.
func (e Expr) Neg() Expr { return Const(-1).Mul(e) }

// Sub returns e + (-1 * b).
func (e Expr) Sub(b Expr) Expr { return e.Add(b.Neg()) }

// Div returns e * b^-1.
func (e Expr) Div(b Expr) Expr { return e.Mul(b.Pow(-1)) }

// AddConst returns e + c.
func (e Expr) AddConst(c float64) Expr { return e.Add(Const(c)) }

// MulConst returns c * e.
func (e Expr) MulConst(c float64) Expr { return Const(c).Mul(e) }

// Pow returns e^x with the rewrites x=0 -> 1, x=1 -> e, var^2 -> SQR_VAR,
// (var^2)^x -> var^(2x) and (u^a)^x -> u^(a*x).
func (e Expr) Pow(x float64) Expr {
	switch {
	case x == 0:
		return Const(1)
	case x == 1:
		return e
	}
	if len(e.ops) == 1 {
		switch op := e.ops[0]; op.kind {
		case KindVar:
			if x == 2 {
				return Expr{ops: []Operator{SqrVarOp(op.index)}}
			}
		case KindSqrVar:
			return Var(op.index).Pow(2 * x)
		}
	}
	if top := e.top(); top.kind == KindPow {
		inner := Expr{ops: e.ops[:len(e.ops)-1]}
		return inner.Pow(top.num * x)
	}
	return e.unary(PowOp(x))
}

// Sqrt returns e^0.5.
func (e Expr) Sqrt() Expr { return e.Pow(0.5) }

// Sin, Cos, Tan, Log2 and Ln apply the named function.
func Sin(e Expr) Expr  { return e.unary(SinOp()) }
func Cos(e Expr) Expr  { return e.unary(CosOp()) }
func Tan(e Expr) Expr  { return e.unary(TanOp()) }
func Log2(e Expr) Expr { return e.unary(Log2Op()) }
func Ln(e Expr) Expr   { return e.unary(LnOp()) }

// Sum adds every term. An empty sum is the literal zero.
func Sum(terms ...Expr) Expr {
	if len(terms) == 0 {
		return Const(0)
	}
	acc := terms[0]
	for _, t := range terms[1:] {
		acc = acc.Add(t)
	}
	return acc
}

// Product multiplies every factor. An empty product is the literal one.
func Product(factors ...Expr) Expr {
	if len(factors) == 0 {
		return Const(1)
	}
	acc := factors[0]
	for _, f := range factors[1:] {
		acc = acc.Mul(f)
	}
	return acc
}

// Build freezes e into a Tape. Building the zero Expr panics.
func Build(e Expr) *Tape {
	if e.Empty() {
		panic("tape: build of empty expression")
	}
	t, err := FromOps(e.ops...)
	if err != nil {
		panic("tape: builder produced invalid tape: " + err.Error())
	}
	return t
}
