package galmod

import (
	"context"
	"math"
	"testing"

	"ringfit/internal/models"
	"ringfit/pkg/geometry"
)

// scenarioHeader is the 64x64x64 grid of the synthesise-identity
// scenario: 2.5 arcsec pixels, 10 km/s channels, 10 arcsec round beam.
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

func scenarioRing() models.Ring {
	return models.Ring{
		Radius: 60, Width: 30,
		Xpos: 32, Ypos: 32,
		Vsys: 500, Vrot: 100, Vdisp: 8,
		Inc: 60, PA: 90,
		Dens: 1,
	}
}

// TestSynthesiseIdentity checks the integrated-intensity centroid sits
// on the ring centre and the spectrum is centred on the systemic
// channel.
func TestSynthesiseIdentity(t *testing.T) {
	h := scenarioHeader()
	rs := &models.RingSet{Rings: []models.Ring{scenarioRing()}}

	opt := DefaultOptions()
	opt.Norm = NormNone
	opt.Seed = 1
	opt.Workers = 2
	cube, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	m := cube.IntegratedMap()
	var sum, sx, sy float64
	for y := 0; y < h.Ny; y++ {
		for x := 0; x < h.Nx; x++ {
			v := m[x+y*h.Nx]
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum <= 0 {
		t.Fatal("empty model cube")
	}
	cx, cy := sx/sum, sy/sum
	if math.Abs(cx-32) > 0.5 || math.Abs(cy-32) > 0.5 {
		t.Errorf("intensity centroid (%.2f, %.2f), want (32, 32) within 0.5 px", cx, cy)
	}

	// The ring profile is double-horned, symmetric about the systemic
	// velocity: the flux-weighted centre of the spectrum must land on
	// the 500 km/s channel.
	spec := cube.Spectrum()
	var fsum, fzsum float64
	for z, f := range spec {
		fsum += f
		fzsum += f * float64(z)
	}
	zv := geometry.ChannelOf(h, 500)
	if zc := fzsum / fsum; math.Abs(zc-zv) > 1 {
		t.Errorf("spectrum centred at channel %.2f, want %.2f (500 km/s)", zc, zv)
	}
}

// TestFluxConservation: with no kinematics the integrated flux equals
// density times ring area, up to boundary clipping (none here) and the
// velocity channels lost to the dispersion tails.
func TestFluxConservation(t *testing.T) {
	h := scenarioHeader()
	ring := scenarioRing()
	ring.Radius = 30
	ring.Width = 20
	ring.Vrot = 0
	ring.Vdisp = 5
	ring.Inc = 0
	rs := &models.RingSet{Rings: []models.Ring{ring}}

	opt := DefaultOptions()
	opt.Norm = NormNone
	opt.Smooth = false
	opt.Seed = 3
	cube, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	var total float64
	for _, v := range cube.Data {
		total += float64(v)
	}
	rIn, rOut := 20.0, 40.0
	want := ring.Dens * math.Pi * (rOut*rOut - rIn*rIn)
	if math.Abs(total-want)/want > 0.01 {
		t.Errorf("total flux %g, want %g within 1%%", total, want)
	}
}

// TestReproducible checks two runs with the same seed agree bit for
// bit and a different seed does not.
func TestReproducible(t *testing.T) {
	h := scenarioHeader()
	rs := &models.RingSet{Rings: []models.Ring{scenarioRing()}}

	opt := DefaultOptions()
	opt.Norm = NormNone
	opt.Seed = 9
	a, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	opt.Workers = 4
	b, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("same seed differs at voxel %d (%g vs %g)", i, a.Data[i], b.Data[i])
		}
	}

	opt.Seed = 10
	c, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	same := true
	for i := range a.Data {
		if a.Data[i] != c.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical cubes")
	}
}

// TestLocalNormalisation forces the model's integrated map onto a
// reference.
func TestLocalNormalisation(t *testing.T) {
	h := scenarioHeader()
	rs := &models.RingSet{Rings: []models.Ring{scenarioRing()}}

	opt := DefaultOptions()
	opt.Norm = NormNone
	opt.Seed = 5
	raw, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	ref := raw.IntegratedMap()
	for i := range ref {
		ref[i] *= 2.5
	}

	opt.Norm = NormLocal
	opt.Reference = ref
	scaled, err := New(h, rs, opt).Calculate(context.Background())
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	got := scaled.IntegratedMap()
	for i := range ref {
		if ref[i] == 0 {
			continue
		}
		if math.Abs(got[i]-ref[i]) > 1e-3*math.Abs(ref[i]) {
			t.Fatalf("pixel %d: integrated map %g, want %g", i, got[i], ref[i])
		}
	}
}

// TestVerticalLaws spot-checks that a thick disk spreads flux further
// than a thin one for every vertical law.
func TestVerticalLaws(t *testing.T) {
	h := scenarioHeader()
	for _, l := range []Ltype{LtypeGaussian, LtypeSech2, LtypeExponential, LtypeLorentzian, LtypeBox} {
		thin := scenarioRing()
		thin.Inc = 85
		thick := thin
		thick.Z0 = 20

		spread := func(z0ring models.Ring) float64 {
			rs := &models.RingSet{Rings: []models.Ring{z0ring}}
			opt := DefaultOptions()
			opt.Norm = NormNone
			opt.Smooth = false
			opt.Ltype = l
			opt.Seed = 2
			cube, err := New(h, rs, opt).Calculate(context.Background())
			if err != nil {
				t.Fatalf("ltype %d: Calculate failed: %v", l, err)
			}
			m := cube.IntegratedMap()
			// PA=90 puts the projected minor axis (where the vertical
			// structure shows) along y.
			var sum, syy float64
			for y := 0; y < h.Ny; y++ {
				for x := 0; x < h.Nx; x++ {
					v := m[x+y*h.Nx]
					d := float64(y) - 32
					sum += v
					syy += v * d * d
				}
			}
			return syy / sum
		}

		if spread(thick) <= spread(thin) {
			t.Errorf("ltype %d: thick disk no wider than thin disk", l)
		}
	}
}
