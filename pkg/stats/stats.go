// Package stats provides the robust location/scale estimators used by
// the source finder and the parameter guesser: mean, stddev, median and
// MADFM, plus detection thresholds in absolute or signal-to-noise mode.
//
// The kernel is generic over the float type because it runs both on
// float32 cube samples and on float64 model buffers.
package stats

import (
	"math"

	"golang.org/x/exp/constraints"
)

// MadfmToSigma converts a MADFM to a Gaussian-equivalent sigma:
// sigma = MADFM / 0.6745.
const MadfmToSigma = 0.6745

// Mean returns the arithmetic mean of a, skipping NaNs.
func Mean[T constraints.Float](a []T) float64 {
	sum, n := 0.0, 0
	for _, v := range a {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Stddev returns the population standard deviation of a, skipping NaNs.
func Stddev[T constraints.Float](a []T) float64 {
	m := Mean(a)
	if math.IsNaN(m) {
		return math.NaN()
	}
	sum, n := 0.0, 0
	for _, v := range a {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		d := f - m
		sum += d * d
		n++
	}
	return math.Sqrt(sum / float64(n))
}

// Median returns the median of a without modifying the input; the
// selection runs on a scratch copy.
func Median[T constraints.Float](a []T) float64 {
	buf := make([]float64, 0, len(a))
	for _, v := range a {
		f := float64(v)
		if !math.IsNaN(f) {
			buf = append(buf, f)
		}
	}
	return medianInPlace(buf)
}

// MADFM returns the median absolute deviation from the given median,
// again on a scratch buffer.
func MADFM[T constraints.Float](a []T, median float64) float64 {
	buf := make([]float64, 0, len(a))
	for _, v := range a {
		f := float64(v)
		if !math.IsNaN(f) {
			buf = append(buf, math.Abs(f-median))
		}
	}
	return medianInPlace(buf)
}

// medianInPlace selects the median by partitioning, destroying buf.
func medianInPlace(buf []float64) float64 {
	n := len(buf)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return selectKth(buf, n/2)
	}
	hi := selectKth(buf, n/2)
	// selectKth leaves everything below index n/2 on the low side, so
	// the lower middle is the max of that partition.
	lo := buf[0]
	for _, v := range buf[:n/2] {
		if v > lo {
			lo = v
		}
	}
	return (lo + hi) / 2
}

// selectKth is an nth_element-style quickselect: after the call buf[k]
// holds the k-th smallest value and buf is partitioned around it.
func selectKth(buf []float64, k int) float64 {
	lo, hi := 0, len(buf)-1
	for lo < hi {
		pivot := buf[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for buf[i] < pivot {
				i++
			}
			for buf[j] > pivot {
				j--
			}
			if i <= j {
				buf[i], buf[j] = buf[j], buf[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			break
		}
	}
	return buf[k]
}

// Stats is a robust summary of an array together with a detection
// threshold.
type Stats struct {
	Mean   float64
	Stddev float64
	Median float64
	Madfm  float64

	threshold float64
	// useRobust selects median/MADFM (rather than mean/stddev) as the
	// basis for SNR thresholds.
	useRobust bool
	// peakOnly: when true only values strictly above the threshold are
	// detections; otherwise equality counts too.
	peakOnly bool
}

// Calc computes all four estimators over a, honouring an optional mask
// (true = include).
func Calc[T constraints.Float](a []T, mask []bool) Stats {
	var buf []T
	if mask == nil {
		buf = a
	} else {
		buf = make([]T, 0, len(a))
		for i, v := range a {
			if mask[i] {
				buf = append(buf, v)
			}
		}
	}
	s := Stats{useRobust: true}
	s.Mean = Mean(buf)
	s.Stddev = Stddev(buf)
	s.Median = Median(buf)
	s.Madfm = MADFM(buf, s.Median)
	return s
}

// Sigma returns the robust noise estimate MADFM/0.6745 when robust mode
// is on, the plain stddev otherwise.
func (s *Stats) Sigma() float64 {
	if s.useRobust {
		return s.Madfm / MadfmToSigma
	}
	return s.Stddev
}

// SetUseRobust selects between robust (median/MADFM) and moment
// (mean/stddev) statistics for SNR thresholds.
func (s *Stats) SetUseRobust(robust bool) { s.useRobust = robust }

// SetThreshold fixes an absolute detection threshold.
func (s *Stats) SetThreshold(t float64) { s.threshold = t }

// SetThresholdSNR derives the threshold from a signal-to-noise cut:
// median + cut*Sigma() in robust mode, mean + cut*stddev otherwise.
func (s *Stats) SetThresholdSNR(cut float64) {
	middle := s.Median
	if !s.useRobust {
		middle = s.Mean
	}
	s.threshold = middle + cut*s.Sigma()
}

// Threshold returns the current detection threshold.
func (s *Stats) Threshold() float64 { return s.threshold }

// IsDetection reports whether v passes the threshold.
func (s *Stats) IsDetection(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if s.peakOnly {
		return v > s.threshold
	}
	return v >= s.threshold
}
