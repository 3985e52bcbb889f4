package beam

import (
	"context"
	"math"
	"testing"

	"ringfit/internal/models"
)

func TestKernelNormalised(t *testing.T) {
	k, err := Kernel2D(models.Beam{Maj: 10, Min: 6, PA: 30}, 2.0)
	if err != nil {
		t.Fatalf("Kernel2D failed: %v", err)
	}
	sum := 0.0
	for _, v := range k.Data {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("kernel sum = %g, want 1", sum)
	}
	if k.Nx%2 == 0 || k.Ny%2 == 0 {
		t.Errorf("kernel dimensions must be odd, got %dx%d", k.Nx, k.Ny)
	}
}

func TestUndefinedBeamRejected(t *testing.T) {
	if _, err := Kernel2D(models.Beam{Maj: -1, Min: -1}, 2.0); err == nil {
		t.Fatal("expected an error for an undefined beam")
	}
}

// TestDeltaRecoversBeam convolves a delta plane with the beam and
// measures the response widths from second moments; they must match
// the beam FWHMs within 1%.
func TestDeltaRecoversBeam(t *testing.T) {
	const pixScale = 1.0
	bm := models.Beam{Maj: 10, Min: 6, PA: 0}
	k, err := Kernel2D(bm, pixScale)
	if err != nil {
		t.Fatalf("Kernel2D failed: %v", err)
	}

	const n = 64
	plane := make([]float32, n*n)
	plane[n/2+n/2*n] = 1
	out := ConvolvePlane(plane, n, n, k)

	// Second moments about the peak; PA=0 puts the major axis along y.
	var sum, sxx, syy float64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := float64(out[x+y*n])
			dx := float64(x - n/2)
			dy := float64(y - n/2)
			sum += v
			sxx += v * dx * dx
			syy += v * dy * dy
		}
	}
	fwhmY := math.Sqrt(syy/sum) * 2.354820045 * pixScale
	fwhmX := math.Sqrt(sxx/sum) * 2.354820045 * pixScale

	if math.Abs(fwhmY-bm.Maj)/bm.Maj > 0.01 {
		t.Errorf("major FWHM = %g, want %g within 1%%", fwhmY, bm.Maj)
	}
	if math.Abs(fwhmX-bm.Min)/bm.Min > 0.01 {
		t.Errorf("minor FWHM = %g, want %g within 1%%", fwhmX, bm.Min)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("convolution does not conserve flux: sum=%g", sum)
	}
}

func TestBlankPassThrough(t *testing.T) {
	k, err := Kernel2D(models.Beam{Maj: 4, Min: 4}, 1.0)
	if err != nil {
		t.Fatalf("Kernel2D failed: %v", err)
	}
	const n = 16
	plane := make([]float32, n*n)
	for i := range plane {
		plane[i] = 1
	}
	nan := float32(math.NaN())
	plane[5+5*n] = nan

	out := ConvolvePlane(plane, n, n, k)
	if !isNaN32(out[5+5*n]) {
		t.Error("blank input pixel did not stay blank")
	}
	if isNaN32(out[6+5*n]) {
		t.Error("blank pixel contaminated its neighbour")
	}
}

func TestConvolveCubeMatchesPlane(t *testing.T) {
	h := &models.Header{Nx: 16, Ny: 16, Nz: 4,
		Cdelt: [3]float64{-1.0 / 3600, 1.0 / 3600, 1},
		Beam:  models.Beam{Maj: 4, Min: 4}}
	k, err := Kernel2D(h.Beam, h.PixScale())
	if err != nil {
		t.Fatalf("Kernel2D failed: %v", err)
	}

	c := models.NewCube(h)
	for z := 0; z < h.Nz; z++ {
		c.Set(4+z, 8, z, 1)
	}
	want := make([][]float32, h.Nz)
	for z := 0; z < h.Nz; z++ {
		want[z] = ConvolvePlane(c.Data[z*256:(z+1)*256], 16, 16, k)
	}

	if err := ConvolveCube(context.Background(), c, k, 3); err != nil {
		t.Fatalf("ConvolveCube failed: %v", err)
	}
	for z := 0; z < h.Nz; z++ {
		for i, v := range want[z] {
			if c.Data[z*256+i] != v {
				t.Fatalf("plane %d differs from serial convolution at %d", z, i)
			}
		}
	}
}
