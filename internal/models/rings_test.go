package models

import (
	"math"
	"path/filepath"
	"testing"
)

func sampleRings() *RingSet {
	rs := &RingSet{}
	for i := 0; i < 6; i++ {
		rs.Rings = append(rs.Rings, Ring{
			Radius: (float64(i) + 0.5) * 15,
			Width:  15,
			Xpos:   32.5, Ypos: 31.8,
			Vsys: 500, Vrot: 100 + float64(i), Vdisp: 8, Vrad: 0,
			Inc: 60, PA: 90, Z0: 0.5, Dens: 1e20,
		})
	}
	return rs
}

func TestValidate(t *testing.T) {
	rs := sampleRings()
	if err := rs.Validate(); err != nil {
		t.Fatalf("valid ring set rejected: %v", err)
	}

	bad := sampleRings()
	bad.Rings[3].Radius = bad.Rings[2].Radius
	if err := bad.Validate(); err == nil {
		t.Error("non-increasing radii accepted")
	}

	bad = sampleRings()
	bad.Rings[0].Inc = 95
	if err := bad.Validate(); err == nil {
		t.Error("inclination above 90 accepted")
	}

	bad = sampleRings()
	bad.Rings[0].Vdisp = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero dispersion accepted")
	}
}

func TestRingFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rings.txt")

	rs := sampleRings()
	if err := rs.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	back, err := ReadRingFile(path)
	if err != nil {
		t.Fatalf("ReadRingFile failed: %v", err)
	}
	if len(back.Rings) != len(rs.Rings) {
		t.Fatalf("ring count %d != %d", len(back.Rings), len(rs.Rings))
	}
	for i := range rs.Rings {
		a, b := rs.Rings[i], back.Rings[i]
		if math.Abs(a.Radius-b.Radius) > 1e-3 || math.Abs(a.Vrot-b.Vrot) > 1e-3 ||
			math.Abs(a.Inc-b.Inc) > 1e-3 || math.Abs(a.Xpos-b.Xpos) > 1e-3 {
			t.Errorf("ring %d did not round-trip: %+v vs %+v", i, a, b)
		}
		if math.Abs(b.Width-15) > 1e-3 {
			t.Errorf("ring %d width not recovered: %g", i, b.Width)
		}
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{NewUserError("bad key"), 1},
		{ErrNotConverged, 2},
		{NewDataError("blank cube"), 3},
		{ErrCancelled, 130},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
