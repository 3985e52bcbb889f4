package galfit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"ringfit/internal/models"
)

// BezierDegree is the POLYN value selecting Bézier smoothing instead
// of a polynomial.
const BezierDegree = -1

// polyfit fits a least-squares polynomial of the given degree through
// (x, y) using a QR factorisation of the Vandermonde matrix.
func polyfit(x, y []float64, deg int) ([]float64, error) {
	n := len(x)
	if n < deg+1 {
		return nil, models.NewDataError("polynomial degree %d needs at least %d points, have %d", deg, deg+1, n)
	}
	a := mat.NewDense(n, deg+1, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v := 1.0
		for j := 0; j <= deg; j++ {
			a.Set(i, j, v)
			v *= x[i]
		}
		b.SetVec(i, y[i])
	}
	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, b); err != nil {
		return nil, models.NewDataError("polynomial fit is singular: %v", err)
	}
	out := make([]float64, deg+1)
	for j := 0; j <= deg; j++ {
		out[j] = c.AtVec(j)
	}
	return out, nil
}

func polyval(c []float64, x float64) float64 {
	v := 0.0
	for j := len(c) - 1; j >= 0; j-- {
		v = v*x + c[j]
	}
	return v
}

// bezierSmooth evaluates a Bézier curve through the control points
// (x, y) and resamples it at the query radii. The curve is sampled
// densely in t and interpolated linearly in x, which is monotonic for
// ring profiles.
func bezierSmooth(x, y, xq []float64) []float64 {
	n := len(x) - 1
	binom := binomialRow(n)
	const samples = 256

	cx := make([]float64, samples+1)
	cy := make([]float64, samples+1)
	for s := 0; s <= samples; s++ {
		t := float64(s) / samples
		var bx, by float64
		for i := 0; i <= n; i++ {
			w := binom[i] * math.Pow(t, float64(i)) * math.Pow(1-t, float64(n-i))
			bx += w * x[i]
			by += w * y[i]
		}
		cx[s] = bx
		cy[s] = by
	}

	out := make([]float64, len(xq))
	for i, q := range xq {
		j := sort.SearchFloat64s(cx, q)
		switch {
		case j <= 0:
			out[i] = cy[0]
		case j > samples:
			out[i] = cy[samples]
		default:
			t := (q - cx[j-1]) / (cx[j] - cx[j-1])
			out[i] = cy[j-1] + t*(cy[j]-cy[j-1])
		}
	}
	return out
}

// binomialRow returns the binomial coefficients C(n, 0..n).
func binomialRow(n int) []float64 {
	c := make([]float64, n+1)
	c[0] = 1
	for i := 1; i <= n; i++ {
		c[i] = c[i-1] * float64(n-i+1) / float64(i)
	}
	return c
}

// regularise smooths each geometric free parameter's radial profile
// over the rings that had data (not-converged rings included) and
// writes the smoothed values
// back to every ring, including rings skipped for lack of data.
func (f *Fitter) regularise(rs *models.RingSet) error {
	var radii []float64
	for _, r := range rs.Rings {
		radii = append(radii, r.Radius)
	}

	for _, p := range f.opt.Free {
		if !p.Geometric() {
			continue
		}
		var xs, ys []float64
		for _, r := range rs.Rings {
			if r.Flag == models.RingNoData {
				continue
			}
			xs = append(xs, r.Radius)
			ys = append(ys, getParam(&r, p))
		}
		if len(xs) < 2 {
			continue
		}

		var smooth []float64
		if f.opt.Polyn == BezierDegree {
			smooth = bezierSmooth(xs, ys, radii)
		} else {
			deg := f.opt.Polyn
			if deg > len(xs)-1 {
				deg = len(xs) - 1
			}
			c, err := polyfit(xs, ys, deg)
			if err != nil {
				return err
			}
			smooth = make([]float64, len(radii))
			for i, r := range radii {
				smooth[i] = polyval(c, r)
			}
		}
		for i := range rs.Rings {
			setParam(&rs.Rings[i], p, clampParam(p, smooth[i]))
		}
	}
	return nil
}
