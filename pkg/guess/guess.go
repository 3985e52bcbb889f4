// Package guess derives a first-guess ring set from a source-finder
// detection: centre and systemic velocity from the detection
// centroids, position angle from a median-deviation scan of the
// velocity field, inclination from the axis-length ratio with an
// optional simplex refinement, ring spacing from the beam, and
// rotation velocity from the line width.
package guess

import (
	"context"
	"log"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"ringfit/internal/models"
	"ringfit/pkg/galmod"
	"ringfit/pkg/geometry"
	"ringfit/pkg/search"
)

// Refine selects the optional inclination refinement objective.
type Refine int

const (
	// RefineNone keeps the axis-ratio inclination.
	RefineNone Refine = iota
	// RefineEllipse minimises blank-minus-valid pixel counts inside
	// the projected ellipse.
	RefineEllipse
	// RefineMap minimises the absolute difference between the
	// observed intensity map and a disposable model map.
	RefineMap
)

// Options configures the guesser.
type Options struct {
	Refine Refine

	// PAAlgorithm selects the position-angle estimator: 1 scans
	// candidate angles for the largest median deviation from the
	// systemic velocity, 2 regresses through the highest- and
	// lowest-velocity spots.
	PAAlgorithm int

	// IncludeCentre keeps the centre point in the PA regression of
	// the two-spot algorithm (the original behaviour; exposed because
	// its bias under asymmetric kinematics is uncharacterised).
	IncludeCentre bool

	Verbose bool
}

// DefaultOptions returns the usual guesser settings.
func DefaultOptions() Options {
	return Options{Refine: RefineNone, PAAlgorithm: 1, IncludeCentre: true}
}

// Guesser estimates initial ring parameters for one detection.
type Guesser struct {
	cube *models.Cube
	det  *search.Detection
	opt  Options

	// Velocity field (flux-weighted first moment) and intensity field
	// (flux sum), both over the detection's voxels only.
	vmap []float64
	imap []float64

	xCentre, yCentre float64
	vSys             float64
	posAng           float64
	inclin           float64
	rMax             float64 // arcsec
	radSep           float64 // arcsec
	nRings           int
	vRot             float64

	totFlux float64
}

// New builds the moment maps of the detection.
func New(cube *models.Cube, det *search.Detection, opt Options) *Guesser {
	g := &Guesser{cube: cube, det: det, opt: opt}
	nxy := cube.Nx * cube.Ny
	g.vmap = make([]float64, nxy)
	g.imap = make([]float64, nxy)
	wsum := make([]float64, nxy)
	for i := range g.vmap {
		g.vmap[i] = math.NaN()
	}
	for _, v := range det.Voxels(cube) {
		if math.IsNaN(v.F) {
			continue
		}
		i := v.X + v.Y*cube.Nx
		g.imap[i] += v.F
		wsum[i] += v.F
		if math.IsNaN(g.vmap[i]) {
			g.vmap[i] = 0
		}
		g.vmap[i] += v.F * geometry.VelocityOf(cube.Head, float64(v.Z))
		g.totFlux += v.F
	}
	for i := range g.vmap {
		if wsum[i] != 0 {
			g.vmap[i] /= wsum[i]
		} else {
			g.vmap[i] = math.NaN()
		}
	}
	return g
}

// Run estimates every parameter and assembles the initial ring set.
func (g *Guesser) Run(ctx context.Context) (*models.RingSet, error) {
	h := g.cube.Head
	if !h.Beam.Defined() {
		return nil, models.NewDataError("cannot guess ring spacing: beam undefined")
	}

	g.findCentre()
	g.findSystemicVelocity()
	if g.opt.PAAlgorithm == 2 {
		g.findPositionAngleTwoSpot()
	} else {
		g.findPositionAngle()
	}
	if err := g.findInclination(ctx); err != nil {
		return nil, err
	}
	g.findRings()
	g.findRotationVelocity()

	if g.nRings < 1 {
		return nil, models.NewDataError("detection too small: no rings fit inside Rmax=%.1f arcsec", g.rMax)
	}

	// Density profile from the observed intensity map: scaleProfile
	// brings it to order unity, and the result is taken in units of
	// 1e20 atoms/cm^2.
	rs := &models.RingSet{}
	for i := 0; i < g.nRings; i++ {
		rs.Rings = append(rs.Rings, models.Ring{
			Radius: (float64(i) + 0.5) * g.radSep,
			Width:  g.radSep,
			Xpos:   g.xCentre,
			Ypos:   g.yCentre,
			Vsys:   g.vSys,
			Vrot:   g.vRot,
			Vdisp:  8,
			Inc:    g.inclin,
			PA:     g.posAng,
			Z0:     0,
			Dens:   1,
		})
	}
	prof := galmod.RadialProfile(g.imap, g.cube.Nx, g.cube.Ny, h, rs)
	scaleProfile(prof)
	for i := range rs.Rings {
		rs.Rings[i].Dens = prof[i] * 1e20
	}
	return rs, rs.Validate()
}

// findCentre averages the flux-weighted and geometric centroids.
func (g *Guesser) findCentre() {
	g.xCentre = (g.det.XCen + g.det.Xavg) / 2
	g.yCentre = (g.det.YCen + g.det.Yavg) / 2
}

// findSystemicVelocity takes the first moment of the integrated
// spectrum.
func (g *Guesser) findSystemicVelocity() {
	g.vSys = g.det.Vsys
}

// findPositionAngle scans candidate angles in [0, 180) in half-degree
// steps, sampling the velocity field along the line through the centre
// and keeping the angle that maximises the median deviation from the
// systemic velocity. The 180-degree ambiguity is broken by which side
// of the line holds the receding gas.
func (g *Guesser) findPositionAngle() {
	c := g.cube
	maxdev, bestp := 0.0, 0.0
	var bestLeft, bestRight float64

	for p := 0.0; p < 180; p += 0.5 {
		var dev []float64
		sumLeft, sumRight := 0.0, 0.0
		sample := func(x, y int) {
			if x < 0 || x >= c.Nx || y < 0 || y >= c.Ny {
				return
			}
			v := g.vmap[x+y*c.Nx]
			if math.IsNaN(v) {
				return
			}
			dev = append(dev, math.Abs(v-g.vSys))
			if p == 90 {
				if float64(y) > g.yCentre {
					sumLeft += v - g.vSys
				} else {
					sumRight += v - g.vSys
				}
			} else if float64(x) < g.xCentre {
				sumLeft += v - g.vSys
			} else {
				sumRight += v - g.vSys
			}
		}

		if p > 45 && p < 135 {
			// Near-vertical lines walk y; x follows the cotangent.
			for y := g.det.Ymin; y <= g.det.Ymax; y++ {
				x := int(math.Round(g.xCentre))
				if p != 90 {
					x = int(math.Round((float64(y)-g.yCentre)/math.Tan(p*math.Pi/180) + g.xCentre))
				}
				sample(x, y)
			}
		} else {
			for x := g.det.Xmin; x <= g.det.Xmax; x++ {
				y := int(math.Round(math.Tan(p*math.Pi/180)*(float64(x)-g.xCentre) + g.yCentre))
				sample(x, y)
			}
		}

		med := median(dev)
		if med > maxdev && !math.IsInf(med, 0) {
			maxdev = med
			bestp = p
			bestLeft, bestRight = sumLeft, sumRight
		}
	}

	// Orient the PA toward the receding half.
	if bestLeft < bestRight {
		if bestp < 90 {
			g.posAng = 270 + bestp
		} else {
			g.posAng = 90 + bestp
		}
	} else {
		if bestp < 90 {
			g.posAng = 90 + bestp
		} else {
			g.posAng = bestp - 90
		}
	}
	if g.posAng >= 360 {
		g.posAng -= 360
	}
}

// findPositionAngleTwoSpot samples the velocity field in beam-sized
// boxes, finds the spots of highest and lowest median velocity, and
// regresses the major axis through them (optionally through the centre
// as well).
func (g *Guesser) findPositionAngleTwoSpot() {
	c := g.cube
	h := c.Head
	rangePix := int(math.Ceil(h.Beam.Maj / h.PixScale()))
	if rangePix < 1 {
		rangePix = 1
	}

	velHigh, velLow := g.vSys, g.vSys
	var xHigh, yHigh, xLow, yLow int
	found := false
	for y := g.det.Ymin + rangePix; y <= g.det.Ymax-rangePix; y++ {
		for x := g.det.Xmin + rangePix; x <= g.det.Xmax-rangePix; x++ {
			if math.IsNaN(g.vmap[x+y*c.Nx]) {
				continue
			}
			var box []float64
			for yi := y - rangePix; yi <= y+rangePix; yi++ {
				for xi := x - rangePix; xi <= x+rangePix; xi++ {
					v := g.vmap[xi+yi*c.Nx]
					if !math.IsNaN(v) {
						box = append(box, v)
					}
				}
			}
			med := median(box)
			if med < velLow {
				velLow, xLow, yLow = med, x, y
				found = true
			}
			if med > velHigh {
				velHigh, xHigh, yHigh = med, x, y
				found = true
			}
		}
	}
	if !found {
		g.findPositionAngle()
		return
	}

	xs := []float64{float64(xLow), float64(xHigh)}
	ys := []float64{float64(yLow), float64(yHigh)}
	if g.opt.IncludeCentre {
		xs = append(xs, math.Round(g.xCentre))
		ys = append(ys, math.Round(g.yCentre))
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)

	ang := math.Atan(slope)
	if float64(xHigh) >= g.xCentre {
		if ang < math.Pi/2 {
			g.posAng = (3*math.Pi/2 + ang) * 180 / math.Pi
		} else {
			g.posAng = (math.Pi/2 + ang) * 180 / math.Pi
		}
	} else {
		if ang < math.Pi/2 {
			g.posAng = (math.Pi/2 + ang) * 180 / math.Pi
		} else {
			g.posAng = (ang - math.Pi/2) * 180 / math.Pi
		}
	}
	if g.posAng >= 360 {
		g.posAng -= 360
	}
}

// findInclination measures the major and minor axis lengths on the
// velocity field and optionally refines (Rmax, inc) with a simplex.
func (g *Guesser) findInclination(ctx context.Context) error {
	h := g.cube.Head
	axmaj := g.axisLength(g.posAng)
	axmin := g.axisLength(g.posAng + 90)
	if axmin > axmaj {
		log.Printf("warning: the kinematical major axis is shorter than the minor axis; swapping for the inclination estimate")
		axmaj, axmin = axmin, axmaj
	}
	if axmaj <= 0 {
		return models.NewDataError("cannot measure axis lengths on the velocity field")
	}

	g.inclin = math.Acos(axmin/axmaj) * 180 / math.Pi
	g.rMax = axmaj * h.PixScale()

	if g.opt.Refine == RefineNone {
		return nil
	}

	obj := g.funcEllipse
	if g.opt.Refine == RefineMap {
		g.radSep = h.Beam.Maj
		obj = g.funcIncFromMap(ctx)
	}

	p := optimize.Problem{Func: func(x []float64) float64 { return obj(x[0], x[1]) }}
	settings := &optimize.Settings{
		Converger:       &optimize.FunctionConverge{Absolute: 1e-3, Iterations: 50},
		FuncEvaluations: 2000,
	}
	res, err := optimize.Minimize(p, []float64{g.rMax, g.inclin}, settings, &optimize.NelderMead{})
	if err != nil {
		return models.NewDataError("inclination refinement failed: %v", err)
	}
	g.rMax = math.Abs(res.X[0])
	g.inclin = clampInc(res.X[1])
	return nil
}

// axisLength walks the line through the centre at angle pa and returns
// the mean of the two farthest valid velocity-field radii.
func (g *Guesser) axisLength(pa float64) float64 {
	c := g.cube
	m := pa - 90
	for m > 180 {
		m -= 180
	}
	for m < 0 {
		m += 180
	}

	var rLeft, rRight float64
	consider := func(x, y int) {
		if x < 0 || x >= c.Nx || y < 0 || y >= c.Ny {
			return
		}
		if math.IsNaN(g.vmap[x+y*c.Nx]) {
			return
		}
		r := math.Hypot(float64(x)-g.xCentre, float64(y)-g.yCentre)
		left := float64(x) <= g.xCentre
		if m == 90 {
			// A vertical axis line splits by y instead.
			left = float64(y) <= g.yCentre
		}
		if left {
			if r > rLeft {
				rLeft = r
			}
		} else if r > rRight {
			rRight = r
		}
	}

	if m > 45 && m < 135 {
		for y := g.det.Ymin; y <= g.det.Ymax; y++ {
			x := int(math.Round(g.xCentre))
			if m != 90 {
				x = int(math.Round((float64(y)-g.yCentre)/math.Tan(m*math.Pi/180) + g.xCentre))
			}
			consider(x, y)
		}
	} else {
		for x := g.det.Xmin; x <= g.det.Xmax; x++ {
			y := int(math.Round(math.Tan(m*math.Pi/180)*(float64(x)-g.xCentre) + g.yCentre))
			consider(x, y)
		}
	}
	return (rLeft + rRight) / 2
}

// funcEllipse counts blank minus valid velocity-field pixels inside
// the ellipse of radius rmax (arcsec) at inclination inc.
func (g *Guesser) funcEllipse(rmax, inc float64) float64 {
	c := g.cube
	proj := geometry.NewProjection(clampInc(inc), g.posAng, g.xCentre, g.yCentre, c.Head.PixScale())
	score := 0.0
	for y := 0; y < c.Ny; y++ {
		for x := 0; x < c.Nx; x++ {
			r, _ := proj.PixelToRing(float64(x), float64(y))
			if r > math.Abs(rmax) {
				continue
			}
			if math.IsNaN(g.vmap[x+y*c.Nx]) {
				score++
			} else {
				score--
			}
		}
	}
	return score
}

// funcIncFromMap builds a disposable flat-profile model through the
// synthesiser and scores the absolute intensity-map difference. The
// ring density follows the observed radial profile, normalised to
// order unity.
func (g *Guesser) funcIncFromMap(ctx context.Context) func(rmax, inc float64) float64 {
	c := g.cube
	h := c.Head
	return func(rmax, inc float64) float64 {
		if rmax < 0 {
			rmax = 2 * g.radSep
		}
		if rmax > 1.5*g.rMax {
			rmax = g.rMax
		}
		inc = clampInc(inc)

		sep := g.radSep / 2
		nr := int(rmax / sep)
		if nr < 1 {
			return math.Inf(1)
		}
		rs := &models.RingSet{}
		for i := 0; i < nr; i++ {
			rs.Rings = append(rs.Rings, models.Ring{
				Radius: (float64(i) + 0.5) * sep,
				Width:  sep,
				Xpos:   g.xCentre,
				Ypos:   g.yCentre,
				Vsys:   g.vSys,
				Vrot:   math.Abs(10 * geometry.ChannelWidth(h)),
				Vdisp:  5,
				Inc:    inc,
				PA:     g.posAng,
				Dens:   1,
			})
		}
		prof := galmod.RadialProfile(g.imap, c.Nx, c.Ny, h, rs)
		scaleProfile(prof)
		for i := range rs.Rings {
			rs.Rings[i].Dens = prof[i]
		}

		opt := galmod.DefaultOptions()
		opt.Norm = galmod.NormNone
		mod, err := galmod.New(h, rs, opt).Calculate(ctx)
		if err != nil {
			return math.Inf(1)
		}

		modMap := mod.IntegratedMap()
		var totMod float64
		for _, v := range modMap {
			totMod += v
		}
		if totMod == 0 {
			return math.Inf(1)
		}
		factor := g.totFlux / totMod
		sum := 0.0
		for i := range modMap {
			sum += math.Abs(g.imap[i] - modMap[i]*factor)
		}
		return sum
	}
}

// findRings sets the ring spacing to the beam major axis, halving it
// when fewer than five rings would fit.
func (g *Guesser) findRings() {
	g.radSep = g.cube.Head.Beam.Maj
	g.nRings = int(math.Round(g.rMax / g.radSep))
	if g.nRings < 5 {
		g.radSep /= 2
		g.nRings = int(math.Round(g.rMax / g.radSep))
	}
}

// findRotationVelocity deprojects half the line width.
func (g *Guesser) findRotationVelocity() {
	sinInc := math.Sin(g.inclin * math.Pi / 180)
	if sinInc < 0.1 {
		sinInc = 0.1
	}
	g.vRot = math.Abs(g.det.W50/2) / sinInc
}

// scaleProfile shifts the profile's magnitude into [0.1, 10) and
// replaces empty annuli with the smallest positive mean, so the
// synthesiser never sees zero or denormal densities.
func scaleProfile(prof []float64) {
	minPos := math.Inf(1)
	for _, v := range prof {
		if !math.IsNaN(v) && v > 0 && v < minPos {
			minPos = v
		}
	}
	if math.IsInf(minPos, 1) {
		for i := range prof {
			prof[i] = 1
		}
		return
	}
	factor := 1.0
	for minPos*factor < 0.1 {
		factor *= 10
	}
	for minPos*factor > 10 {
		factor /= 10
	}
	for i := range prof {
		if math.IsNaN(prof[i]) || prof[i] <= 0 {
			prof[i] = minPos
		}
		prof[i] = math.Abs(prof[i]) * factor
	}
}

func clampInc(inc float64) float64 {
	if inc < 1 {
		return 1
	}
	if inc > 89 {
		return 89
	}
	return inc
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	buf := append([]float64(nil), v...)
	for i := 1; i < len(buf); i++ {
		for j := i; j > 0 && buf[j] < buf[j-1]; j-- {
			buf[j], buf[j-1] = buf[j-1], buf[j]
		}
	}
	n := len(buf)
	if n%2 == 1 {
		return buf[n/2]
	}
	return (buf[n/2-1] + buf[n/2]) / 2
}
