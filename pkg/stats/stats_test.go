package stats

import (
	"math"
	"testing"
)

func TestMedianOddEven(t *testing.T) {
	if m := Median([]float64{3, 1, 2}); m != 2 {
		t.Errorf("odd median = %g, want 2", m)
	}
	if m := Median([]float64{4, 1, 3, 2}); m != 2.5 {
		t.Errorf("even median = %g, want 2.5", m)
	}
}

func TestMedianDoesNotDestroyInput(t *testing.T) {
	in := []float64{5, 1, 4, 2, 3}
	Median(in)
	for i, want := range []float64{5, 1, 4, 2, 3} {
		if in[i] != want {
			t.Fatalf("input modified at %d: %v", i, in)
		}
	}
}

func TestMADFM(t *testing.T) {
	in := []float64{1, 2, 3, 4, 5}
	med := Median(in)
	if med != 3 {
		t.Fatalf("median = %g, want 3", med)
	}
	if m := MADFM(in, med); m != 1 {
		t.Errorf("MADFM = %g, want 1", m)
	}
}

func TestNaNsSkipped(t *testing.T) {
	in := []float64{1, math.NaN(), 3}
	if m := Mean(in); m != 2 {
		t.Errorf("mean with NaN = %g, want 2", m)
	}
	if m := Median(in); m != 2 {
		t.Errorf("median with NaN = %g, want 2", m)
	}
}

func TestCalcWithMask(t *testing.T) {
	in := []float32{1, 100, 2, 100, 3}
	mask := []bool{true, false, true, false, true}
	s := Calc(in, mask)
	if s.Median != 2 {
		t.Errorf("masked median = %g, want 2", s.Median)
	}
	if math.Abs(s.Mean-2) > 1e-12 {
		t.Errorf("masked mean = %g, want 2", s.Mean)
	}
}

func TestThresholds(t *testing.T) {
	var s Stats
	s.Median = 0
	s.Madfm = MadfmToSigma // sigma = 1
	s.SetUseRobust(true)
	s.SetThresholdSNR(4)
	if math.Abs(s.Threshold()-4) > 1e-12 {
		t.Errorf("SNR threshold = %g, want 4", s.Threshold())
	}
	if s.IsDetection(3.9) {
		t.Error("3.9 should not pass a 4-sigma cut")
	}
	if !s.IsDetection(4.0) {
		t.Error("4.0 should pass a 4-sigma cut")
	}

	s.SetThreshold(10)
	if !s.IsDetection(11) || s.IsDetection(9) {
		t.Error("absolute threshold misbehaves")
	}
	if s.IsDetection(math.NaN()) {
		t.Error("NaN must never be a detection")
	}
}
