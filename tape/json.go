package tape

import (
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// wireOp is the JSON shape of one operator. Value holds the constant or the
// exponent; N holds the variable index or the arity.
type wireOp struct {
	Op    string  `json:"op"`
	N     uint32  `json:"n,omitempty"`
	Value float64 `json:"value,omitempty"`
	Param string  `json:"param,omitempty"`
}

type wireTape struct {
	Ops    []wireOp           `json:"ops"`
	Params map[string]float64 `json:"params,omitempty"`
}

// MarshalJSON encodes the operators and the current parameter values.
func (t *Tape) MarshalJSON() ([]byte, error) {
	w := wireTape{Ops: make([]wireOp, len(t.ops))}
	for i, op := range t.ops {
		wo := wireOp{Op: op.kind.String()}
		switch op.kind {
		case KindVar, KindSqrVar, KindAdd, KindMul:
			wo.N = op.index
		case KindConst, KindPow:
			wo.Value = op.num
		case KindParam:
			wo.Param = op.param.Name()
			if w.Params == nil {
				w.Params = make(map[string]float64)
			}
			w.Params[wo.Param] = op.param.Value()
		}
		w.Ops[i] = wo
	}
	return sonnet.Marshal(w)
}

// Decode parses a tape produced by MarshalJSON. Parameters are resolved by
// name in params; names not found there are created with the encoded value
// and added to params when it is non-nil.
func Decode(data []byte, params map[string]*Param) (*Tape, error) {
	var w wireTape
	if err := sonnet.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("tape: decode: %w", err)
	}
	if params == nil {
		params = make(map[string]*Param)
	}
	ops := make([]Operator, len(w.Ops))
	for i, wo := range w.Ops {
		kind, ok := kindByName(wo.Op)
		if !ok {
			return nil, fmt.Errorf("tape: decode op %d %q: %w", i, wo.Op, ErrUnknownOperator)
		}
		op := Operator{kind: kind}
		switch kind {
		case KindVar, KindSqrVar, KindAdd, KindMul:
			op.index = wo.N
		case KindConst, KindPow:
			op.num = wo.Value
		case KindParam:
			p := params[wo.Param]
			if p == nil {
				p = NewParam(wo.Param, w.Params[wo.Param])
				params[wo.Param] = p
			}
			op.param = p
		}
		ops[i] = op
	}
	return FromOps(ops...)
}
