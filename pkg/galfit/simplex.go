package galfit

import (
	"context"
	"math"

	"ringfit/internal/models"
)

// simplexResult is the outcome of one downhill-simplex minimisation.
type simplexResult struct {
	X         []float64
	F         float64
	// Spread is the per-parameter standard deviation across the final
	// simplex, used as the parameter uncertainty.
	Spread    []float64
	Converged bool
	Evals     int
}

const simplexTiny = 1e-10

// minimizeSimplex runs a Nelder-Mead downhill simplex from x0 with
// initial per-parameter steps dels. It stops when the fractional spread
// 2|f_hi - f_lo| / (|f_hi| + |f_lo| + tiny) drops below tol (the first
// time it does, the simplex is rebuilt once from the best vertex,
// stepping each axis by the spread of the converged simplex, and run
// again: vertices of equal height astride the minimum also pass the
// test) or after maxEval objective evaluations; cancellation is polled
// at every step.
func minimizeSimplex(ctx context.Context, fn func([]float64) float64, x0, dels []float64, tol float64, maxEval int) (simplexResult, error) {
	ndim := len(x0)
	mpts := ndim + 1

	// Initial vertices: the base point shifted down half a step, plus
	// one vertex per dimension offset by its step.
	p := make([][]float64, mpts)
	y := make([]float64, mpts)
	for i := range p {
		p[i] = make([]float64, ndim)
		for j := range p[i] {
			p[i][j] = x0[j] - 0.5*dels[j]
		}
		if i > 0 {
			p[i][i-1] += dels[i-1]
		}
		y[i] = fn(p[i])
	}
	evals := mpts

	psum := make([]float64, ndim)
	computePsum := func() {
		for j := 0; j < ndim; j++ {
			s := 0.0
			for i := 0; i < mpts; i++ {
				s += p[i][j]
			}
			psum[j] = s
		}
	}
	computePsum()

	// tryStep reflects the worst vertex through the centroid by fac
	// and keeps the trial if it improves.
	tryStep := func(ihi int, fac float64) float64 {
		fac1 := (1 - fac) / float64(ndim)
		fac2 := fac1 - fac
		ptry := make([]float64, ndim)
		for j := 0; j < ndim; j++ {
			ptry[j] = psum[j]*fac1 - p[ihi][j]*fac2
		}
		ytry := fn(ptry)
		evals++
		if ytry < y[ihi] {
			for j := 0; j < ndim; j++ {
				psum[j] += ptry[j] - p[ihi][j]
				p[ihi][j] = ptry[j]
			}
			y[ihi] = ytry
		}
		return ytry
	}

	res := simplexResult{}
	restarted := false
	for {
		if err := ctx.Err(); err != nil {
			return res, models.ErrCancelled
		}

		ilo := 0
		var ihi, inhi int
		if y[0] > y[1] {
			ihi, inhi = 0, 1
		} else {
			ihi, inhi = 1, 0
		}
		for i := 0; i < mpts; i++ {
			if y[i] <= y[ilo] {
				ilo = i
			}
			if y[i] > y[ihi] {
				inhi = ihi
				ihi = i
			} else if y[i] > y[inhi] && i != ihi {
				inhi = i
			}
		}

		rtol := 2 * math.Abs(y[ihi]-y[ilo]) / (math.Abs(y[ihi]) + math.Abs(y[ilo]) + simplexTiny)
		if rtol < tol && !restarted && evals < maxEval {
			restarted = true
			best := append([]float64(nil), p[ilo]...)
			step := vertexSpread(p)
			for i := range p {
				copy(p[i], best)
				if i > 0 {
					p[i][i-1] += step[i-1]
				}
				y[i] = fn(p[i])
			}
			evals += mpts
			computePsum()
			continue
		}
		if rtol < tol || evals >= maxEval {
			res.X = append([]float64(nil), p[ilo]...)
			res.F = y[ilo]
			res.Spread = vertexSpread(p)
			res.Converged = rtol < tol
			res.Evals = evals
			return res, nil
		}

		ytry := tryStep(ihi, -1)
		if ytry <= y[ilo] {
			tryStep(ihi, 2)
		} else if ytry >= y[inhi] {
			ysave := y[ihi]
			ytry = tryStep(ihi, 0.5)
			if ytry >= ysave {
				// Contract the whole simplex about the best vertex.
				for i := 0; i < mpts; i++ {
					if i == ilo {
						continue
					}
					for j := 0; j < ndim; j++ {
						p[i][j] = 0.5 * (p[i][j] + p[ilo][j])
					}
					y[i] = fn(p[i])
					evals++
				}
				computePsum()
			}
		}
	}
}

// vertexSpread returns the standard deviation of each coordinate over
// the simplex vertices.
func vertexSpread(p [][]float64) []float64 {
	mpts := len(p)
	ndim := len(p[0])
	out := make([]float64, ndim)
	for j := 0; j < ndim; j++ {
		mean := 0.0
		for i := 0; i < mpts; i++ {
			mean += p[i][j]
		}
		mean /= float64(mpts)
		v := 0.0
		for i := 0; i < mpts; i++ {
			d := p[i][j] - mean
			v += d * d
		}
		out[j] = math.Sqrt(v / float64(mpts))
	}
	return out
}
