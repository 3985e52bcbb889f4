// Package beam models the instrumental PSF as an analytic elliptical
// Gaussian and provides direct spatial convolution of cube planes.
package beam

import (
	"context"
	"math"
	"sync"

	"ringfit/internal/models"
)

// fwhm2sigma converts a FWHM to a Gaussian sigma.
const fwhm2sigma = 2.354820045030949 // 2*sqrt(2*ln 2)

// Kernel is a centred, normalised 2D convolution kernel.
type Kernel struct {
	Data []float64
	// Nx, Ny are the kernel dimensions, both odd.
	Nx, Ny int
}

// Kernel2D builds the convolution kernel for an elliptical Gaussian
// beam with FWHM axes bmaj, bmin (arcsec) at position angle pa (deg,
// east of north), sampled on a grid with pixScale arcsec/pixel. The
// kernel extends to at least 5 sigma on each axis and sums to 1.
//
// A non-positive major axis means the observation carries no beam; the
// caller must set one before convolving.
func Kernel2D(b models.Beam, pixScale float64) (*Kernel, error) {
	if !b.Defined() {
		return nil, models.NewDataError("beam is undefined (bmaj=%g, bmin=%g); set a beam before convolving", b.Maj, b.Min)
	}
	sigMaj := b.Maj / fwhm2sigma / pixScale // pixels
	sigMin := b.Min / fwhm2sigma / pixScale

	half := int(math.Ceil(5 * sigMaj))
	if half < 1 {
		half = 1
	}
	n := 2*half + 1

	sinPA := math.Sin(b.PA * math.Pi / 180)
	cosPA := math.Cos(b.PA * math.Pi / 180)

	k := &Kernel{Data: make([]float64, n*n), Nx: n, Ny: n}
	sum := 0.0
	for j := 0; j < n; j++ {
		dy := float64(j - half)
		for i := 0; i < n; i++ {
			dx := float64(i - half)
			// Rotate into the beam frame: the major axis runs along
			// pa east of north.
			maj := -dx*sinPA + dy*cosPA
			min := -dx*cosPA - dy*sinPA
			v := math.Exp(-0.5 * (maj*maj/(sigMaj*sigMaj) + min*min/(sigMin*sigMin)))
			k.Data[i+j*n] = v
			sum += v
		}
	}
	for i := range k.Data {
		k.Data[i] /= sum
	}
	return k, nil
}

// ConvolvePlane convolves one spatial plane with the kernel by direct
// summation. Boundaries are zero-padded. Blank (NaN) input pixels pass
// through as blanks and contribute nothing to their neighbours.
func ConvolvePlane(plane []float32, nx, ny int, k *Kernel) []float32 {
	out := make([]float32, len(plane))
	halfX := k.Nx / 2
	halfY := k.Ny / 2
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if isNaN32(plane[x+y*nx]) {
				out[x+y*nx] = plane[x+y*nx]
				continue
			}
			acc := 0.0
			for j := 0; j < k.Ny; j++ {
				sy := y + j - halfY
				if sy < 0 || sy >= ny {
					continue
				}
				row := sy * nx
				krow := j * k.Nx
				for i := 0; i < k.Nx; i++ {
					sx := x + i - halfX
					if sx < 0 || sx >= nx {
						continue
					}
					v := plane[sx+row]
					if isNaN32(v) {
						continue
					}
					acc += float64(v) * k.Data[i+krow]
				}
			}
			out[x+y*nx] = float32(acc)
		}
	}
	return out
}

// ConvolveCube convolves every spectral plane of the cube in place,
// sharding planes across a pool of workers. This inner region is only
// parallel when the outer per-ring fit is not.
func ConvolveCube(ctx context.Context, c *models.Cube, k *Kernel, workers int) error {
	if workers < 1 {
		workers = 1
	}
	spat := c.Nx * c.Ny

	var wg sync.WaitGroup
	planes := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range planes {
				plane := c.Data[z*spat : (z+1)*spat]
				conv := ConvolvePlane(plane, c.Nx, c.Ny, k)
				copy(plane, conv)
			}
		}()
	}

	var err error
feed:
	for z := 0; z < c.Nz; z++ {
		select {
		case <-ctx.Done():
			err = models.ErrCancelled
			break feed
		case planes <- z:
		}
	}
	close(planes)
	wg.Wait()
	return err
}

func isNaN32(v float32) bool { return v != v }
