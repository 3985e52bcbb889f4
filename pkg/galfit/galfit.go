// Package galfit fits a tilted-ring model to an observed cube: each
// ring is optimised independently with a downhill simplex over the
// user-selected free parameters, comparing forward-modelled and
// observed flux inside the ring's projected annulus. An optional
// second pass smooths the geometric parameters radially and refits the
// kinematics against the frozen geometry.
package galfit

import (
	"context"
	"log"
	"sync"

	"ringfit/internal/models"
	"ringfit/pkg/galmod"
	"ringfit/pkg/progress"
	"ringfit/pkg/search"
	"ringfit/pkg/stats"
)

// Options configures a fit.
type Options struct {
	// Free is the set of parameters optimised per ring; everything
	// else stays clamped to the input ring values.
	Free []Param

	FType FType
	WFunc WFunc

	Mask MaskType
	// MaskCut is the absolute flux cut for MaskThreshold.
	MaskCut float64
	// MaskSNR is the SNR cut applied to the smoothed cube for
	// MaskSmooth.
	MaskSNR float64
	// Search configures the finder for MaskSearch/MaskSmoothSearch.
	Search search.Options

	Side Side

	// Tol is the simplex convergence tolerance.
	Tol float64
	// MaxEval caps objective evaluations per ring.
	MaxEval int

	// TwoStage enables the regularisation pass; Polyn is the
	// polynomial degree (BezierDegree selects Bézier smoothing).
	TwoStage bool
	Polyn    int

	// Errors requests per-ring parameter uncertainties.
	Errors bool

	// Threads sizes the ring worker pool.
	Threads int

	// Model carries the synthesiser settings used inside the
	// objective and for the final model cube.
	Model galmod.Options

	Verbose bool
}

// DefaultOptions matches the usual fitting setup.
func DefaultOptions() Options {
	return Options{
		Free:    []Param{ParVrot, ParVdisp},
		FType:   FTypeAbs,
		WFunc:   WFuncCos2,
		Mask:    MaskSmooth,
		MaskSNR: 3,
		Tol:     1e-3,
		MaxEval: 5000,
		Polyn:   BezierDegree,
		Threads: 1,
		Model:   galmod.DefaultOptions(),
		Search:  search.DefaultOptions(),
	}
}

// Result carries the fit outcome.
type Result struct {
	Rings *models.RingSet
	// Errs holds per-ring parameter uncertainties in the same schema
	// (only the free parameters are populated); nil unless requested.
	Errs *models.RingSet

	NotConverged int
	NoData       int
	Cancelled    bool
}

// Fitter owns one fit over one observation.
type Fitter struct {
	obs     *models.Cube
	initial *models.RingSet
	opt     Options

	mask  []bool
	ref   []float64 // observed integrated-intensity map
	noise float64   // robust rms of the observation
}

// New validates the inputs and prepares the fit mask and the
// normalisation reference.
func New(ctx context.Context, obs *models.Cube, rings *models.RingSet, opt Options) (*Fitter, error) {
	if len(opt.Free) == 0 {
		return nil, models.NewUserError("no free parameters selected")
	}
	if err := rings.Validate(); err != nil {
		return nil, err
	}
	if opt.Tol <= 0 {
		opt.Tol = 1e-3
	}
	if opt.MaxEval <= 0 {
		opt.MaxEval = 5000
	}
	if opt.Threads < 1 {
		opt.Threads = 1
	}

	f := &Fitter{obs: obs, initial: rings.Clone(), opt: opt}
	f.ref = obs.IntegratedMap()

	st := stats.Calc(obs.Data, nil)
	f.noise = st.Sigma()

	if err := f.buildMask(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Fit runs the first pass and, when configured, the regularisation
// pass. On cancellation the best ring set found so far is returned
// together with ErrCancelled.
func (f *Fitter) Fit(ctx context.Context) (*Result, error) {
	res := &Result{Rings: f.initial.Clone()}
	if f.opt.Errors {
		res.Errs = f.initial.Clone()
		for i := range res.Errs.Rings {
			res.Errs.Rings[i] = models.Ring{Radius: res.Errs.Rings[i].Radius, Width: res.Errs.Rings[i].Width}
		}
	}

	bar := progress.New("Fitting rings", len(res.Rings.Rings), f.opt.Verbose)
	err := f.fitPass(ctx, res, f.opt.Free, bar)
	bar.Done()
	if err != nil {
		res.Cancelled = true
		return res, err
	}

	if f.opt.TwoStage {
		if err := f.regularise(res.Rings); err != nil {
			return res, err
		}
		kin := kinematicSubset(f.opt.Free)
		if len(kin) > 0 {
			bar = progress.New("Refitting kinematics", len(res.Rings.Rings), f.opt.Verbose)
			err = f.fitPass(ctx, res, kin, bar)
			bar.Done()
			if err != nil {
				res.Cancelled = true
				return res, err
			}
		}
	}

	for _, r := range res.Rings.Rings {
		switch r.Flag {
		case models.RingNotConverged:
			res.NotConverged++
		case models.RingNoData:
			res.NoData++
		}
	}
	return res, nil
}

// fitPass optimises the given free set independently for every ring,
// sharding rings across the worker pool. Workers read the pre-pass
// snapshot and write only their own ring.
func (f *Fitter) fitPass(ctx context.Context, res *Result, free []Param, bar *progress.Bar) error {
	snapshot := res.Rings.Clone()

	saveFree := f.opt.Free
	f.opt.Free = free
	defer func() { f.opt.Free = saveFree }()

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for w := 0; w < f.opt.Threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ri := range jobs {
				ring, errs, flag := f.fitRing(ctx, ri, snapshot.Rings[ri])
				mu.Lock()
				res.Rings.Rings[ri] = ring
				if res.Errs != nil {
					for i, p := range free {
						setParam(&res.Errs.Rings[ri], p, errs[i])
					}
				}
				res.Rings.Rings[ri].Flag = flag
				mu.Unlock()
				bar.Step()
			}
		}()
	}

	cancelled := false
feed:
	for ri := range res.Rings.Rings {
		select {
		case <-ctx.Done():
			cancelled = true
			break feed
		case jobs <- ri:
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled || ctx.Err() != nil {
		return models.ErrCancelled
	}
	return nil
}

// fitRing runs the simplex for one ring. Failure semantics: an
// annulus with no unmasked voxels skips the ring (no_data); hitting
// the evaluation cap keeps the best vertex and flags not_converged.
func (f *Fitter) fitRing(ctx context.Context, ri int, base models.Ring) (models.Ring, []float64, models.RingFlag) {
	free := f.opt.Free
	errs := make([]float64, len(free))

	if !f.ringHasData(base) {
		if f.opt.Verbose {
			log.Printf("ring %d (r=%.1f): no unmasked voxels, skipped", ri+1, base.Radius)
		}
		return base, errs, models.RingNoData
	}

	x0 := make([]float64, len(free))
	dels := make([]float64, len(free))
	for i, p := range free {
		x0[i] = getParam(&base, p)
		dels[i] = initialStep(p, x0[i])
	}

	obj := func(x []float64) float64 { return f.objective(ctx, ri, base, x) }
	sr, err := minimizeSimplex(ctx, obj, x0, dels, f.opt.Tol, f.opt.MaxEval)
	if err != nil {
		return base, errs, models.RingOK
	}

	out := base
	for i, p := range free {
		setParam(&out, p, clampParam(p, sr.X[i]))
		errs[i] = sr.Spread[i]
	}
	if !sr.Converged {
		if f.opt.Verbose {
			log.Printf("ring %d (r=%.1f): simplex hit the evaluation cap after %d evals", ri+1, base.Radius, sr.Evals)
		}
		return out, errs, models.RingNotConverged
	}
	return out, errs, models.RingOK
}

// kinematicSubset returns the non-geometric members of free.
func kinematicSubset(free []Param) []Param {
	var out []Param
	for _, p := range free {
		if !p.Geometric() {
			out = append(out, p)
		}
	}
	return out
}

// ModelCube synthesises the final model from a fitted ring set on the
// observation grid, with the configured normalisation against the
// observed intensity map.
func (f *Fitter) ModelCube(ctx context.Context, rings *models.RingSet) (*models.Cube, error) {
	mopt := f.opt.Model
	mopt.Reference = f.ref
	mopt.Workers = f.opt.Threads
	return galmod.New(f.obs.Head, rings, mopt).Calculate(ctx)
}

// ResidualCube returns observation minus model.
func (f *Fitter) ResidualCube(model *models.Cube) *models.Cube {
	out := models.NewCube(f.obs.Head)
	for i := range out.Data {
		out.Data[i] = f.obs.Data[i] - model.Data[i]
	}
	return out
}
