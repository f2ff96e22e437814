package adstack

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stanle/madopt/config"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
)

// run evaluates tp and returns the value with map views of the derivatives.
func run(t *testing.T, s *Stack, tp *tape.Tape, x []float64) (float64, map[types.Idx]float64, map[types.Pair]float64) {
	t.Helper()
	if err := s.Evaluate(tp, x); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var g types.Gradient
	var h types.Hessian
	v := s.Result(&g, &h)
	jac := make(map[types.Idx]float64, len(g.Indices))
	for k, i := range g.Indices {
		jac[i] = g.Values[k]
	}
	hess := make(map[types.Pair]float64, len(h.Pairs))
	for k, p := range h.Pairs {
		hess[p] = h.Values[k]
	}
	return v, jac, hess
}

var approx = cmpopts.EquateApprox(0, 1e-12)

// -----------------------------------------------------------------------------
// ░░ Worked Examples ░░
// -----------------------------------------------------------------------------

func TestCosOfScaledVar(t *testing.T) {
	tp := tape.Build(tape.Cos(tape.Const(2).Mul(tape.Var(0))))
	v, jac, hess := run(t, New(0, 0), tp, []float64{3})

	if math.Abs(v-math.Cos(6)) > 1e-15 {
		t.Fatalf("value = %v, want cos(6)", v)
	}
	if diff := cmp.Diff(map[types.Idx]float64{0: -2 * math.Sin(6)}, jac, approx); diff != "" {
		t.Fatalf("jacobian (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[types.Pair]float64{{I: 0, J: 0}: -4 * math.Cos(6)}, hess, approx); diff != "" {
		t.Fatalf("hessian (-want +got):\n%s", diff)
	}
}

func TestProductOfThree(t *testing.T) {
	a, b := tape.Var(0), tape.Var(1)
	tp := tape.Build(a.Mul(a).Mul(b))
	if tp.At(tp.Len()-1).Arity() != 3 {
		t.Fatal("a*a*b should flatten to MUL(3)")
	}
	v, jac, hess := run(t, New(0, 0), tp, []float64{3, 5})

	if v != 45 {
		t.Fatalf("value = %v, want 45", v)
	}
	if diff := cmp.Diff(map[types.Idx]float64{0: 30, 1: 9}, jac); diff != "" {
		t.Fatalf("jacobian (-want +got):\n%s", diff)
	}
	want := map[types.Pair]float64{{I: 0, J: 0}: 10, {I: 0, J: 1}: 6}
	if diff := cmp.Diff(want, hess); diff != "" {
		t.Fatalf("hessian (-want +got):\n%s", diff)
	}
}

func TestSumOfSquares(t *testing.T) {
	const n = 6
	x := make([]float64, n)
	terms := make([]tape.Expr, n)
	rawOps := make([]tape.Operator, 0, 2*n+1)
	for i := range terms {
		x[i] = float64(i) - 2.5
		terms[i] = tape.Var(types.Idx(i)).Pow(2)
		rawOps = append(rawOps, tape.VarOp(types.Idx(i)), tape.PowOp(2))
	}
	rawOps = append(rawOps, tape.AddOp(n))
	raw, err := tape.FromOps(rawOps...)
	if err != nil {
		t.Fatal(err)
	}

	for name, tp := range map[string]*tape.Tape{"sqr_var": tape.Build(tape.Sum(terms...)), "pow": raw} {
		t.Run(name, func(t *testing.T) {
			_, jac, hess := run(t, New(0, 0), tp, x)
			for i := 0; i < n; i++ {
				if jac[types.Idx(i)] != 2*x[i] {
					t.Errorf("J[%d] = %v, want %v", i, jac[types.Idx(i)], 2*x[i])
				}
				if hess[types.Pair{I: types.Idx(i), J: types.Idx(i)}] != 2 {
					t.Errorf("H[%d,%d] = %v, want 2", i, i, hess[types.Pair{I: types.Idx(i), J: types.Idx(i)}])
				}
			}
			if len(hess) != n {
				t.Errorf("hessian has %d entries, want %d diagonal ones", len(hess), n)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// ░░ N-ary Sum Scheduling ░░
// -----------------------------------------------------------------------------

func TestTournamentMatchesPairwise(t *testing.T) {
	for n := 1; n <= 9; n++ {
		flat := make([]tape.Operator, 0, 3*n)
		nested := make([]tape.Operator, 0, 3*n)
		for i := 0; i < n; i++ {
			// term i = x_i * x_{(i+1)%3}
			term := []tape.Operator{tape.VarOp(types.Idx(i)), tape.VarOp(types.Idx((i + 1) % 3)), tape.MulOp(2)}
			flat = append(flat, term...)
			nested = append(nested, term...)
			if i > 0 {
				nested = append(nested, tape.AddOp(2))
			}
		}
		flat = append(flat, tape.AddOp(uint32(n)))
		ft, err := tape.FromOps(flat...)
		if err != nil {
			t.Fatal(err)
		}
		nt, err := tape.FromOps(nested...)
		if err != nil {
			t.Fatal(err)
		}

		x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
		s := New(0, 0)
		fv, fj, fh := run(t, s, ft, x)
		nv, nj, nh := run(t, s, nt, x)
		if fv != nv || !cmp.Equal(fj, nj) || !cmp.Equal(fh, nh) {
			t.Fatalf("n=%d: ADD(n) and nested ADD(2) differ:\nvalue %v/%v\njac %v/%v\nhess %v/%v", n, fv, nv, fj, nj, fh, nh)
		}
		if s.Depth() != 1 {
			t.Fatalf("n=%d: depth = %d after evaluation, want 1", n, s.Depth())
		}
	}
}

// -----------------------------------------------------------------------------
// ░░ Derivatives Against Finite Differences ░░
// -----------------------------------------------------------------------------

func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	a, b, c := tape.Var(0), tape.Var(1), tape.Var(2)
	exprs := map[string]tape.Expr{
		"tan":   tape.Tan(a.Mul(b).MulConst(0.1)),
		"log2":  tape.Log2(a.Add(b.Pow(2))),
		"ln":    tape.Ln(a.Mul(c)).Mul(b),
		"sin":   tape.Sin(a.Add(b).Add(c)).Mul(c),
		"pow":   a.Mul(b).Add(c).Pow(1.7),
		"div":   a.Div(b.Add(c)),
		"mixed": tape.Cos(a).Mul(tape.Sin(b)).Mul(c.Sqrt()).Add(a.Pow(3)),
	}
	x := []float64{1.3, 0.7, 2.1}
	const h = 1e-5

	for name, e := range exprs {
		t.Run(name, func(t *testing.T) {
			tp := tape.Build(e)
			s := New(0, 0)
			v, jac, hess := run(t, s, tp, x)
			if math.Abs(v-tp.Value(x)) > 1e-12*math.Max(1, math.Abs(v)) {
				t.Fatalf("value = %v, direct evaluation = %v", v, tp.Value(x))
			}
			for i := range x {
				xp := append([]float64(nil), x...)
				xm := append([]float64(nil), x...)
				xp[i] += h
				xm[i] -= h
				fd := (tp.Value(xp) - tp.Value(xm)) / (2 * h)
				if math.Abs(fd-jac[types.Idx(i)]) > 1e-6*math.Max(1, math.Abs(fd)) {
					t.Errorf("J[%d] = %v, finite difference %v", i, jac[types.Idx(i)], fd)
				}

				_, jp, _ := run(t, s, tp, xp)
				_, jm, _ := run(t, s, tp, xm)
				for j := i; j < len(x); j++ {
					fd := (jp[types.Idx(j)] - jm[types.Idx(j)]) / (2 * h)
					got := hess[types.Pair{I: types.Idx(i), J: types.Idx(j)}]
					if math.Abs(fd-got) > 1e-5*math.Max(1, math.Abs(fd)) {
						t.Errorf("H[%d,%d] = %v, finite difference %v", i, j, got, fd)
					}
				}
			}
		})
	}
}

// -----------------------------------------------------------------------------
// ░░ Pools, Fixed Mode and Clones ░░
// -----------------------------------------------------------------------------

func TestNodesReturnAfterReset(t *testing.T) {
	s := New(4, 4)
	a, b := tape.Var(0), tape.Var(1)
	tp := tape.Build(tape.Sin(a.Mul(b)).Add(a.Pow(3)))
	run(t, s, tp, []float64{0.5, 1.5})
	s.Reset()
	jp, hp := s.Pools()
	if jp.InUse() != 0 || hp.InUse() != 0 {
		t.Fatalf("in use after Reset: jac=%d hess=%d", jp.InUse(), hp.InUse())
	}
}

func TestFixedPoolsSteadyStateAllocatesNothing(t *testing.T) {
	cfg := config.Default()
	cfg.JacPool, cfg.HessPool, cfg.FixedPools = 0, 0, true
	s := NewFromConfig(cfg)

	a, b, c := tape.Var(0), tape.Var(1), tape.Var(2)
	tp := tape.Build(tape.Sum(a.Mul(b).Mul(c), tape.Cos(a.Add(c)), b.Pow(3), tape.Ln(c)))
	x := []float64{0.3, 1.1, 2.2}

	if err := s.Evaluate(tp, x); err != nil {
		t.Fatal(err)
	}
	jp, hp := s.Pools()
	if !jp.Fixed() || !hp.Fixed() {
		t.Fatal("pools should be fixed after the warm-up evaluation")
	}
	jAllocs, hAllocs := jp.Allocs(), hp.Allocs()

	avg := testing.AllocsPerRun(50, func() {
		if err := s.Evaluate(tp, x); err != nil {
			panic(err)
		}
	})
	if avg != 0 {
		t.Fatalf("heap allocations per evaluation = %v, want 0", avg)
	}
	if jp.Allocs() != jAllocs || hp.Allocs() != hAllocs {
		t.Fatalf("pool node allocations moved: jac %d->%d hess %d->%d", jAllocs, jp.Allocs(), hAllocs, hp.Allocs())
	}
}

func TestCloneEvaluatesIndependently(t *testing.T) {
	ref := New(16, 16)
	tp := tape.Build(tape.Var(0).Mul(tape.Var(1)))
	run(t, ref, tp, []float64{2, 3})

	cl := ref.Clone()
	v, _, _ := run(t, cl, tp, []float64{4, 5})
	if v != 20 {
		t.Fatalf("clone value = %v, want 20", v)
	}
	if ref.Top().G != 6 {
		t.Fatalf("reference value changed to %v", ref.Top().G)
	}
}

// -----------------------------------------------------------------------------
// ░░ Error Paths ░░
// -----------------------------------------------------------------------------

func TestEvaluateRejectsShortInput(t *testing.T) {
	s := New(0, 0)
	err := s.Evaluate(tape.Build(tape.Var(3)), []float64{1})
	if !errors.Is(err, tape.ErrVarOutOfRange) {
		t.Fatalf("err = %v, want ErrVarOutOfRange", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth after error = %d, want 0", s.Depth())
	}
}

func TestResultOnEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Result on empty stack should panic")
		}
	}()
	New(0, 0).Result(nil, nil)
}

func BenchmarkEvaluate(b *testing.B) {
	s := New(1<<10, 1<<12)
	terms := make([]tape.Expr, 0, 32)
	for i := 0; i < 32; i++ {
		terms = append(terms, tape.Var(types.Idx(i)).Mul(tape.Var(types.Idx((i+1)%32))))
	}
	tp := tape.Build(tape.Sin(tape.Sum(terms...)))
	x := make([]float64, 32)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Evaluate(tp, x)
	}
}
