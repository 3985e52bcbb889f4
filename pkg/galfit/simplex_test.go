package galfit

import (
	"context"
	"math"
	"testing"
)

// TestSimplexQuadratic minimises (p - p*)^2 over growing parameter
// subsets and expects p* back within tolerance.
func TestSimplexQuadratic(t *testing.T) {
	target := []float64{100, 60, 8, 32.5}
	for ndim := 1; ndim <= len(target); ndim++ {
		fn := func(x []float64) float64 {
			s := 0.0
			for i := 0; i < ndim; i++ {
				d := x[i] - target[i]
				s += d * d
			}
			return s
		}
		x0 := make([]float64, ndim)
		dels := make([]float64, ndim)
		for i := range x0 {
			x0[i] = target[i] * 1.4
			dels[i] = target[i] * 0.1
		}
		res, err := minimizeSimplex(context.Background(), fn, x0, dels, 1e-6, 5000)
		if err != nil {
			t.Fatalf("ndim=%d: %v", ndim, err)
		}
		if !res.Converged {
			t.Errorf("ndim=%d: did not converge in %d evals", ndim, res.Evals)
		}
		for i := 0; i < ndim; i++ {
			if math.Abs(res.X[i]-target[i]) > 0.01*math.Abs(target[i]) {
				t.Errorf("ndim=%d: x[%d] = %g, want %g", ndim, i, res.X[i], target[i])
			}
		}
		if len(res.Spread) != ndim {
			t.Errorf("ndim=%d: spread has %d entries", ndim, len(res.Spread))
		}
	}
}

// TestSimplexEvalCap checks the evaluation cap stops a hopeless
// objective without claiming convergence.
func TestSimplexEvalCap(t *testing.T) {
	// A needle the simplex cannot settle in under the cap.
	fn := func(x []float64) float64 { return math.Abs(math.Sin(1e6 * x[0])) }
	res, err := minimizeSimplex(context.Background(), fn, []float64{1}, []float64{0.5}, 1e-12, 50)
	if err != nil {
		t.Fatalf("minimizeSimplex: %v", err)
	}
	if res.Converged {
		t.Error("claimed convergence on an oscillating objective under a tiny cap")
	}
	if res.Evals < 50 {
		t.Errorf("stopped after %d evals, cap was 50", res.Evals)
	}
}

// TestSimplexCancellation checks the context is honoured mid-run.
func TestSimplexCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := minimizeSimplex(ctx, func(x []float64) float64 { return x[0] * x[0] }, []float64{5}, []float64{1}, 1e-9, 5000)
	if err == nil {
		t.Error("expected cancellation error")
	}
}
