package guess

import (
	"context"
	"math"
	"testing"

	"ringfit/internal/models"
	"ringfit/pkg/geometry"
	"ringfit/pkg/search"
)

func guessHeader(nx, ny, nz int) *models.Header {
	return &models.Header{
		Nx: nx, Ny: ny, Nz: nz,
		Crpix: [3]float64{1, 1, 1},
		Crval: [3]float64{0, 0, 400},
		Cdelt: [3]float64{-2.0 / 3600, 2.0 / 3600, 10},
		Kind:  models.SpectralVelocity,
		Beam:  models.Beam{Maj: 8, Min: 8, PA: 0},
	}
}

// diskDetection paints a filled disk of the given pixel radius into
// the cube across a velocity gradient and returns the matching
// detection. The receding side sits along the -x axis, matching a
// position angle of 90 degrees east of north.
func diskDetection(c *models.Cube, x0, y0, radius float64) *search.Detection {
	h := c.Head
	det := search.NewDetection()
	for y := 0; y < c.Ny; y++ {
		for x := 0; x < c.Nx; x++ {
			dx := float64(x) - x0
			dy := float64(y) - y0
			if math.Hypot(dx, dy) > radius {
				continue
			}
			// Solid-body rotation projected along the line of sight:
			// velocity rises toward -x.
			v := 500 - 60*dx/radius
			z := int(math.Round(geometry.ChannelOf(h, v)))
			if z < 0 || z >= c.Nz {
				continue
			}
			c.Set(x, y, z, 5)
			det.AddPixel(x, y, z)
		}
	}
	det.CalcParams(c)
	return det
}

// TestGuessCentre: a disk of radius 10 px centred at (40.5, 25.5) must
// guess its centre within a pixel.
func TestGuessCentre(t *testing.T) {
	h := guessHeader(64, 64, 24)
	c := models.NewCube(h)
	det := diskDetection(c, 40.5, 25.5, 10)

	g := New(c, det, DefaultOptions())
	rings, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r0 := rings.Rings[0]
	if math.Abs(r0.Xpos-40.5) > 1 || math.Abs(r0.Ypos-25.5) > 1 {
		t.Errorf("guessed centre (%.2f, %.2f), want (40.5, 25.5) within 1 px", r0.Xpos, r0.Ypos)
	}
	if math.Abs(r0.Vsys-500) > 10 {
		t.Errorf("guessed vsys %.1f, want 500 within one channel", r0.Vsys)
	}
}

// TestGuessPA: with the receding half toward -x the kinematic position
// angle is 90 degrees east of north.
func TestGuessPA(t *testing.T) {
	h := guessHeader(64, 64, 24)
	c := models.NewCube(h)
	det := diskDetection(c, 32, 32, 12)

	g := New(c, det, DefaultOptions())
	rings, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	pa := rings.Rings[0].PA
	if pa < 85 || pa > 95 {
		t.Errorf("guessed PA %.1f, want within [85, 95]", pa)
	}
}

// TestGuessRingSpacing: ring width comes from the beam, halved when
// fewer than five rings would fit.
func TestGuessRingSpacing(t *testing.T) {
	h := guessHeader(64, 64, 24)
	c := models.NewCube(h)
	det := diskDetection(c, 32, 32, 20)

	g := New(c, det, DefaultOptions())
	rings, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	w := rings.Rings[0].Width
	if w != h.Beam.Maj && w != h.Beam.Maj/2 {
		t.Errorf("ring width %.2f, want the beam (%g) or half of it", w, h.Beam.Maj)
	}
	if len(rings.Rings) < 5 {
		t.Errorf("only %d rings on a 40 arcsec disk", len(rings.Rings))
	}
	for i := 1; i < len(rings.Rings); i++ {
		if rings.Rings[i].Radius <= rings.Rings[i-1].Radius {
			t.Fatal("ring radii not increasing")
		}
	}
}

// TestGuessRotationFromW50: vrot is half the line width deprojected by
// the inclination.
func TestGuessRotationFromW50(t *testing.T) {
	h := guessHeader(64, 64, 24)
	c := models.NewCube(h)
	det := diskDetection(c, 32, 32, 12)

	g := New(c, det, DefaultOptions())
	rings, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r0 := rings.Rings[0]
	sinInc := math.Sin(r0.Inc * math.Pi / 180)
	if sinInc < 0.1 {
		sinInc = 0.1
	}
	want := math.Abs(det.W50/2) / sinInc
	if math.Abs(r0.Vrot-want) > 1e-6 {
		t.Errorf("vrot %.2f, want W50/(2 sin inc) = %.2f", r0.Vrot, want)
	}
}
