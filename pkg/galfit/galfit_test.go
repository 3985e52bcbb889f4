package galfit

import (
	"context"
	"math"
	"testing"

	"ringfit/internal/models"
	"ringfit/pkg/galmod"
)

func scenarioHeader() *models.Header {
	return &models.Header{
		Nx: 64, Ny: 64, Nz: 64,
		Crpix: [3]float64{33, 33, 33},
		Crval: [3]float64{0, 0, 500},
		Cdelt: [3]float64{-2.5 / 3600, 2.5 / 3600, 10},
		Kind:  models.SpectralVelocity,
		Beam:  models.Beam{Maj: 10, Min: 10, PA: 0},
	}
}

func truthRing() models.Ring {
	return models.Ring{
		Radius: 60, Width: 30,
		Xpos: 32, Ypos: 32,
		Vsys: 500, Vrot: 100, Vdisp: 8,
		Inc: 60, PA: 90,
		Dens: 1,
	}
}

// synthObservation forward-models the truth ring with the same
// synthesiser settings the fitter's objective uses, so the residual at
// the truth is identically zero.
func synthObservation(t *testing.T, h *models.Header, mopt galmod.Options) *models.Cube {
	t.Helper()
	rs := &models.RingSet{Rings: []models.Ring{truthRing()}}
	cube, err := galmod.New(h, rs, mopt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("building the observation failed: %v", err)
	}
	return cube
}

// TestFitConvergence recovers vrot and inc from a noise-free cube
// starting well away from the truth.
func TestFitConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping the full forward-model fit in short mode")
	}

	h := scenarioHeader()
	mopt := galmod.DefaultOptions()
	mopt.Norm = galmod.NormNone
	mopt.Seed = 1
	obs := synthObservation(t, h, mopt)

	initial := truthRing()
	initial.Vrot = 150
	initial.Inc = 45
	rings := &models.RingSet{Rings: []models.Ring{initial}}

	opt := DefaultOptions()
	opt.Free = []Param{ParVrot, ParInc}
	opt.Mask = MaskNone
	opt.FType = FTypeAbs
	opt.WFunc = WFuncUniform
	opt.Model = mopt

	f, err := New(context.Background(), obs, rings, opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := f.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	got := res.Rings.Rings[0]
	if math.Abs(got.Vrot-100) > 1 {
		t.Errorf("vrot = %g, want 100 within 1", got.Vrot)
	}
	if math.Abs(got.Inc-60) > 1 {
		t.Errorf("inc = %g, want 60 within 1", got.Inc)
	}
	if got.Flag == models.RingNoData {
		t.Error("ring flagged no_data on a bright cube")
	}
}

// TestFitReportsErrors checks the error set carries a value for each
// free parameter when requested.
func TestFitReportsErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping the full forward-model fit in short mode")
	}

	h := scenarioHeader()
	mopt := galmod.DefaultOptions()
	mopt.Norm = galmod.NormNone
	mopt.Seed = 1
	obs := synthObservation(t, h, mopt)

	rings := &models.RingSet{Rings: []models.Ring{truthRing()}}
	opt := DefaultOptions()
	opt.Free = []Param{ParVrot}
	opt.Mask = MaskNone
	opt.Errors = true
	opt.Model = mopt

	f, err := New(context.Background(), obs, rings, opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := f.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Errs == nil {
		t.Fatal("error set not produced")
	}
	if res.Errs.Rings[0].Vrot < 0 {
		t.Error("negative parameter uncertainty")
	}
}

// TestOffGridRingSkipped: a ring far outside the grid has no data and
// must be skipped, not fitted.
func TestOffGridRingSkipped(t *testing.T) {
	h := scenarioHeader()
	obs := models.NewCube(h)
	for i := range obs.Data {
		obs.Data[i] = 1
	}

	far := truthRing()
	far.Radius = 5000
	far.Width = 30
	rings := &models.RingSet{Rings: []models.Ring{far}}

	opt := DefaultOptions()
	opt.Free = []Param{ParVrot}
	opt.Mask = MaskNone

	f, err := New(context.Background(), obs, rings, opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := f.Fit(context.Background())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Rings.Rings[0].Flag != models.RingNoData {
		t.Errorf("off-grid ring flag = %v, want no_data", res.Rings.Rings[0].Flag)
	}
	if res.NoData != 1 {
		t.Errorf("NoData count = %d, want 1", res.NoData)
	}
}

// TestCancellation: a cancelled context aborts the fit and marks the
// result.
func TestCancellation(t *testing.T) {
	h := scenarioHeader()
	mopt := galmod.DefaultOptions()
	mopt.Norm = galmod.NormNone
	mopt.Seed = 1
	obs := synthObservation(t, h, mopt)

	rings := &models.RingSet{Rings: []models.Ring{truthRing()}}
	opt := DefaultOptions()
	opt.Free = []Param{ParVrot}
	opt.Mask = MaskNone
	opt.Model = mopt

	f, err := New(context.Background(), obs, rings, opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.Fit(ctx)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !res.Cancelled {
		t.Error("result not marked cancelled")
	}
}

func TestParseParam(t *testing.T) {
	cases := map[string]Param{
		"vrot": ParVrot, "VDISP": ParVdisp, "Pa": ParPA, "PHI": ParPA,
		"inc": ParInc, "xpos": ParXpos, "z0": ParZ0,
	}
	for s, want := range cases {
		got, ok := ParseParam(s)
		if !ok || got != want {
			t.Errorf("ParseParam(%q) = %v/%v, want %v", s, got, ok, want)
		}
	}
	if _, ok := ParseParam("warp"); ok {
		t.Error("unknown parameter accepted")
	}
}
