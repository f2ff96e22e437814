package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stanle/madopt/config"
	"github.com/stanle/madopt/engine"
	"github.com/stanle/madopt/tape"
	"github.com/stanle/madopt/types"
	"github.com/stanle/madopt/utils"
)

const numVars = 12

// buildModel returns n traced expressions; the same seed gives the same model.
func buildModel(t testing.TB, seed int64, n int) []*engine.Expression {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	exprs := make([]*engine.Expression, n)
	for i := range exprs {
		terms := make([]tape.Expr, 1+r.Intn(6))
		for k := range terms {
			a := tape.Var(types.Idx(r.Intn(numVars)))
			b := tape.Var(types.Idx(r.Intn(numVars)))
			switch r.Intn(6) {
			case 0:
				terms[k] = a.Mul(b).MulConst(r.Float64() + 0.5)
			case 1:
				terms[k] = tape.Sin(a.Add(b))
			case 2:
				terms[k] = tape.Ln(a.Pow(2).AddConst(1)).Mul(b)
			case 3:
				terms[k] = tape.Tan(a.Mul(b)).Add(a)
			case 4:
				terms[k] = tape.Log2(a.Pow(2).Add(b.Pow(2)).AddConst(1))
			default:
				terms[k] = a.Pow(3).Sub(b.Pow(2))
			}
		}
		exprs[i] = engine.NewExpression(tape.Build(tape.Sum(terms...)))
	}
	if _, err := engine.CompileAll(context.Background(), exprs, nil, engine.CompileOptions{}); err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	return exprs
}

func inputs(seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	x := make([]float64, numVars)
	for i := range x {
		x[i] = r.Float64()*2 - 1
	}
	return x
}

func workers(n int) config.Config {
	c := config.Default()
	c.Workers = n
	return c
}

func sameOutputs(a, b *engine.Expression) bool {
	if !utils.SameBits(a.Value(), b.Value()) {
		return false
	}
	ja, jb := a.Jacobian().Values, b.Jacobian().Values
	ha, hb := a.Hessian().Values, b.Hessian().Values
	if len(ja) != len(jb) || len(ha) != len(hb) {
		return false
	}
	for i := range ja {
		if !utils.SameBits(ja[i], jb[i]) {
			return false
		}
	}
	for i := range ha {
		if !utils.SameBits(ha[i], hb[i]) {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// ░░ Partitioning ░░
// -----------------------------------------------------------------------------

func TestPartition(t *testing.T) {
	cases := []struct {
		costs []int
		k     int
		want  []Range
	}{
		{[]int{1, 1, 1, 1}, 2, []Range{{0, 2}, {2, 4}}},
		{[]int{10, 1, 1, 1, 1}, 2, []Range{{0, 1}, {1, 5}}},
		{[]int{1, 1, 1}, 5, []Range{{0, 1}, {1, 2}, {2, 3}}},
		{[]int{5}, 1, []Range{{0, 1}}},
		{nil, 4, []Range{{0, 0}}},
	}
	for _, c := range cases {
		if diff := cmp.Diff(c.want, Partition(c.costs, c.k)); diff != "" {
			t.Errorf("Partition(%v, %d) (-want +got):\n%s", c.costs, c.k, diff)
		}
	}
}

func TestPartitionCoversEverything(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		costs := make([]int, 1+r.Intn(40))
		for i := range costs {
			costs[i] = 1 + r.Intn(50)
		}
		k := 1 + r.Intn(10)
		parts := Partition(costs, k)

		wantParts := k
		if wantParts > len(costs) {
			wantParts = len(costs)
		}
		if len(parts) != wantParts {
			t.Fatalf("%d parts for k=%d n=%d", len(parts), k, len(costs))
		}
		next := 0
		for _, p := range parts {
			if p.Lo != next || p.Hi <= p.Lo {
				t.Fatalf("bad range %v after %d in %v", p, next, parts)
			}
			next = p.Hi
		}
		if next != len(costs) {
			t.Fatalf("ranges end at %d of %d", next, len(costs))
		}
	}
}

// -----------------------------------------------------------------------------
// ░░ Evaluation ░░
// -----------------------------------------------------------------------------

func TestParallelMatchesSequential(t *testing.T) {
	for _, k := range []int{1, 2, 3, 8} {
		t.Run(fmt.Sprintf("workers=%d", k), func(t *testing.T) {
			par := buildModel(t, 42, 57)
			seq := buildModel(t, 42, 57)

			d, err := New(par, workers(k), nil)
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			ws := engine.NewWorkspace()
			for round := int64(0); round < 5; round++ {
				x := inputs(round)
				if err := d.DispatchEvaluate(x); err != nil {
					t.Fatal(err)
				}
				if err := engine.EvaluateAll(seq, ws, x); err != nil {
					t.Fatal(err)
				}
				for i := range par {
					if !sameOutputs(par[i], seq[i]) {
						t.Fatalf("round %d: expression %d differs from sequential", round, i)
					}
				}
			}
		})
	}
}

func TestPinnedWorkersEvaluate(t *testing.T) {
	exprs := buildModel(t, 3, 10)
	cfg := workers(2)
	cfg.PinWorkers = true
	d, err := New(exprs, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.DispatchEvaluate(inputs(0)); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerPanicIsReraised(t *testing.T) {
	exprs := buildModel(t, 5, 12)
	d, err := New(exprs, workers(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	healthy := d.eval
	d.eval = func(e *engine.Expression, ws *engine.Workspace, x []float64) error {
		if e == exprs[7] {
			panic("boom")
		}
		return healthy(e, ws, x)
	}

	func() {
		defer func() {
			r := recover()
			msg, _ := r.(string)
			if !strings.Contains(msg, "boom") {
				t.Fatalf("recovered %v, want the worker panic", r)
			}
		}()
		d.DispatchEvaluate(inputs(1))
		t.Fatal("DispatchEvaluate returned normally")
	}()

	// Workers survive a panicking request.
	d.eval = healthy
	if err := d.DispatchEvaluate(inputs(1)); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerErrorIsReturned(t *testing.T) {
	exprs := buildModel(t, 6, 6)
	d, err := New(exprs, workers(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	sentinel := errors.New("bad input")
	d.eval = func(*engine.Expression, *engine.Workspace, []float64) error { return sentinel }
	if err := d.DispatchEvaluate(inputs(0)); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func TestRejectsBadUse(t *testing.T) {
	untraced := []*engine.Expression{engine.NewExpression(tape.Build(tape.Var(0)))}
	if _, err := New(untraced, workers(1), nil); !errors.Is(err, engine.ErrNotTraced) {
		t.Fatalf("untraced: err = %v", err)
	}

	d, err := New(buildModel(t, 8, 4), workers(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DispatchEvaluate(make([]float64, 1)); !errors.Is(err, tape.ErrVarOutOfRange) {
		t.Fatalf("short input: err = %v", err)
	}
	d.Close()
	d.Close()
	if err := d.DispatchEvaluate(inputs(0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: err = %v", err)
	}
}

func TestEmptyModel(t *testing.T) {
	d, err := New(nil, workers(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.Workers() != 1 {
		t.Fatalf("workers = %d, want 1", d.Workers())
	}
	if err := d.DispatchEvaluate(nil); err != nil {
		t.Fatal(err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	exprs := buildModel(t, 9, 20)
	d, err := New(exprs, workers(4), m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := d.DispatchEvaluate(inputs(int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	read := func(name string) float64 {
		t.Helper()
		families, err := reg.Gather()
		if err != nil {
			t.Fatal(err)
		}
		for _, mf := range families {
			if mf.GetName() != name {
				continue
			}
			metric := mf.GetMetric()[0]
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
		t.Fatalf("metric %s not gathered", name)
		return 0
	}

	if got := read("madopt_dispatch_total"); got != 3 {
		t.Errorf("dispatch_total = %v, want 3", got)
	}
	if got := read("madopt_expressions_evaluated_total"); got != 60 {
		t.Errorf("expressions_evaluated_total = %v, want 60", got)
	}
	if got := read("madopt_dispatch_duration_seconds"); got != 3 {
		t.Errorf("latency samples = %v, want 3", got)
	}
	if got := read("madopt_workers"); got != 4 {
		t.Errorf("workers = %v, want 4", got)
	}
	d.Close()
	if got := read("madopt_workers"); got != 0 {
		t.Errorf("workers after close = %v, want 0", got)
	}
}

// ============================================================================
// BENCHMARKS
// ============================================================================

func BenchmarkDispatch(b *testing.B) {
	exprs := buildModel(b, 1, 2000)
	d, err := New(exprs, config.Default(), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer d.Close()
	x := inputs(0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := d.DispatchEvaluate(x); err != nil {
			b.Fatal(err)
		}
	}
}
