package tape

import "errors"

// Tape assembly errors. Evaluators and the tracer wrap these with the
// offending op position.
var (
	ErrStackUnderflow  = errors.New("operator needs more operands than the stack holds")
	ErrUnbalancedTape  = errors.New("tape does not reduce to exactly one value")
	ErrUnknownOperator = errors.New("unknown operator kind")
	ErrBadArity        = errors.New("n-ary operator with arity < 1")
	ErrNilParam        = errors.New("parameter operator without a parameter")
	ErrVarOutOfRange   = errors.New("variable index outside the input vector")
)
