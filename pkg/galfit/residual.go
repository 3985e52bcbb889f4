package galfit

import (
	"context"
	"math"

	"ringfit/internal/models"
	"ringfit/pkg/beam"
	"ringfit/pkg/galmod"
	"ringfit/pkg/geometry"
	"ringfit/pkg/search"
	"ringfit/pkg/stats"
)

// FType selects the residual reduction.
type FType int

const (
	FTypeChi2 FType = 1 + iota // sum (m-o)^2 / sigma^2
	FTypeAbs                   // sum |m-o|
	FTypeRatio                 // sum |m-o| / (m+o+eps)
)

// WFunc selects the azimuthal weighting, measured from the major axis
// in the disk plane. Higher powers of cos amplify points near the
// major axis, where rotation dominates the line-of-sight velocity.
type WFunc int

const (
	WFuncUniform WFunc = iota
	WFuncCos
	WFuncCos2
)

// MaskType selects which voxels enter the residual.
type MaskType int

const (
	MaskNone MaskType = iota
	MaskSmooth
	MaskSearch
	MaskSmoothSearch
	MaskThreshold
	MaskNegative
)

// Side restricts the fit to one kinematic half of the disk.
type Side int

const (
	SideBoth Side = iota
	SideApproaching
	SideReceding
)

const ratioEps = 1e-12

// buildMask materialises the fit mask over the observation.
func (f *Fitter) buildMask(ctx context.Context) error {
	obs := f.obs
	mask := make([]bool, obs.NumVox())

	finite := func(i int) bool { return !obs.IsBlank(i) }

	switch f.opt.Mask {
	case MaskNone:
		for i := range mask {
			mask[i] = finite(i)
		}

	case MaskThreshold:
		for i := range mask {
			mask[i] = finite(i) && float64(obs.Data[i]) > f.opt.MaskCut
		}

	case MaskNegative:
		for i := range mask {
			mask[i] = finite(i) && obs.Data[i] < 0
		}

	case MaskSmooth, MaskSmoothSearch:
		sm, err := f.smoothedCopy(ctx)
		if err != nil {
			return err
		}
		if f.opt.Mask == MaskSmooth {
			st := stats.Calc(sm.Data, nil)
			st.SetThresholdSNR(f.opt.MaskSNR)
			for i := range mask {
				mask[i] = finite(i) && st.IsDetection(float64(sm.Data[i]))
			}
			break
		}
		if err := searchMask(ctx, sm, f.opt.Search, mask); err != nil {
			return err
		}
		for i := range mask {
			mask[i] = mask[i] && finite(i)
		}

	case MaskSearch:
		if err := searchMask(ctx, obs, f.opt.Search, mask); err != nil {
			return err
		}
	}

	f.mask = mask
	return nil
}

// smoothedCopy convolves a copy of the observation with a beam twice
// the instrumental one, the usual smoothing for mask construction.
func (f *Fitter) smoothedCopy(ctx context.Context) (*models.Cube, error) {
	h := f.obs.Head
	big := models.Beam{Maj: 2 * h.Beam.Maj, Min: 2 * h.Beam.Min, PA: h.Beam.PA}
	k, err := beam.Kernel2D(big, h.PixScale())
	if err != nil {
		return nil, err
	}
	cp := models.NewCube(h)
	copy(cp.Data, f.obs.Data)
	if err := beam.ConvolveCube(ctx, cp, k, f.opt.Threads); err != nil {
		return nil, err
	}
	return cp, nil
}

// searchMask marks every voxel belonging to any detection.
func searchMask(ctx context.Context, cube *models.Cube, opt search.Options, mask []bool) error {
	finder, err := search.NewFinder(cube, opt)
	if err != nil {
		return err
	}
	dets, err := finder.Search(ctx)
	if err != nil {
		return err
	}
	if len(dets) == 0 {
		return models.NewDataError("mask search found no detection")
	}
	for _, d := range dets {
		for _, v := range d.Voxels(cube) {
			mask[cube.Index(v.X, v.Y, v.Z)] = true
		}
	}
	return nil
}

// objective evaluates the residual for ring index ri with the trial
// parameter vector x applied over the free set. It synthesises a
// single-ring model and reduces model-observation differences over the
// ring's projected annulus (padded by one ring width).
func (f *Fitter) objective(ctx context.Context, ri int, base models.Ring, x []float64) float64 {
	trial := base
	for i, p := range f.opt.Free {
		setParam(&trial, p, clampParam(p, x[i]))
	}

	one := &models.RingSet{Rings: []models.Ring{trial}}
	mopt := f.opt.Model
	mopt.Reference = f.ref
	mopt.Seed = f.opt.Model.Seed + int64(ri)
	mopt.Workers = 1
	model, err := galmod.New(f.obs.Head, one, mopt).Calculate(ctx)
	if err != nil {
		return math.Inf(1)
	}

	obs := f.obs
	proj := geometry.NewProjection(trial.Inc, trial.PA, trial.Xpos, trial.Ypos, obs.Head.PixScale())
	rIn := trial.Radius - 1.5*trial.Width
	rOut := trial.Radius + 1.5*trial.Width
	if rIn < 0 {
		rIn = 0
	}

	sigma := f.noise
	if sigma <= 0 {
		sigma = 1
	}

	spat := obs.Nx * obs.Ny
	sum, wsum := 0.0, 0.0
	modelFlux := 0.0
	for y := 0; y < obs.Ny; y++ {
		for x2 := 0; x2 < obs.Nx; x2++ {
			r, theta := proj.PixelToRing(float64(x2), float64(y))
			if r < rIn || r > rOut {
				continue
			}
			w := azimuthalWeight(f.opt.WFunc, theta)
			if w == 0 || !sideIncluded(f.opt.Side, theta) {
				continue
			}
			pix := x2 + y*obs.Nx
			for z := 0; z < obs.Nz; z++ {
				i := pix + z*spat
				if !f.mask[i] || obs.IsBlank(i) {
					continue
				}
				m := float64(model.Data[i])
				o := float64(obs.Data[i])
				modelFlux += m
				d := m - o
				switch f.opt.FType {
				case FTypeChi2:
					sum += w * d * d / (sigma * sigma)
				case FTypeRatio:
					sum += w * math.Abs(d) / (m + o + ratioEps)
				default:
					sum += w * math.Abs(d)
				}
				wsum += w
			}
		}
	}

	// A ring entirely off the grid (or an all-blank annulus) gives the
	// simplex nothing to work with; send it back the other way.
	if wsum == 0 || modelFlux == 0 {
		return math.Inf(1)
	}
	return sum
}

// ringHasData reports whether the ring's annulus holds any unmasked
// voxels at all; rings without data are skipped, not fitted.
func (f *Fitter) ringHasData(ring models.Ring) bool {
	obs := f.obs
	proj := geometry.NewProjection(ring.Inc, ring.PA, ring.Xpos, ring.Ypos, obs.Head.PixScale())
	rIn := ring.Radius - 1.5*ring.Width
	rOut := ring.Radius + 1.5*ring.Width
	if rIn < 0 {
		rIn = 0
	}
	spat := obs.Nx * obs.Ny
	for y := 0; y < obs.Ny; y++ {
		for x := 0; x < obs.Nx; x++ {
			r, _ := proj.PixelToRing(float64(x), float64(y))
			if r < rIn || r > rOut {
				continue
			}
			pix := x + y*obs.Nx
			for z := 0; z < obs.Nz; z++ {
				if f.mask[pix+z*spat] && !obs.IsBlank(pix+z*spat) {
					return true
				}
			}
		}
	}
	return false
}

func azimuthalWeight(w WFunc, theta float64) float64 {
	switch w {
	case WFuncCos:
		return math.Abs(math.Cos(theta))
	case WFuncCos2:
		c := math.Cos(theta)
		return c * c
	default:
		return 1
	}
}

func sideIncluded(s Side, theta float64) bool {
	switch s {
	case SideReceding:
		return math.Cos(theta) >= 0
	case SideApproaching:
		return math.Cos(theta) <= 0
	default:
		return true
	}
}
