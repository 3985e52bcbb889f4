package models

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RingFlag records the per-ring outcome of a fit.
type RingFlag int

const (
	RingOK RingFlag = iota
	RingNotConverged
	RingNoData
)

// Ring is one annulus of a tilted-ring model.
type Ring struct {
	Radius float64 // arcsec
	Width  float64 // arcsec
	Xpos   float64 // pixels
	Ypos   float64 // pixels
	Vsys   float64 // km/s
	Vrot   float64 // km/s
	Vdisp  float64 // km/s
	Vrad   float64 // km/s
	Inc    float64 // deg
	PA     float64 // deg
	Z0     float64 // arcsec, vertical scale height
	Dens   float64 // atoms/cm^2

	Flag RingFlag
}

// Validate checks the per-ring invariants.
func (r Ring) Validate() error {
	switch {
	case r.Width <= 0:
		return NewInternalError("ring at r=%g: width %g is not positive", r.Radius, r.Width)
	case r.Inc < 0 || r.Inc > 90:
		return NewInternalError("ring at r=%g: inclination %g outside [0,90]", r.Radius, r.Inc)
	case r.PA < 0 || r.PA >= 360:
		return NewInternalError("ring at r=%g: position angle %g outside [0,360)", r.Radius, r.PA)
	case r.Vdisp <= 0:
		return NewInternalError("ring at r=%g: dispersion %g is not positive", r.Radius, r.Vdisp)
	case r.Z0 < 0:
		return NewInternalError("ring at r=%g: scale height %g is negative", r.Radius, r.Z0)
	}
	return nil
}

// RingSet is an ordered sequence of rings from innermost outward,
// sharing a common width.
type RingSet struct {
	Rings []Ring
}

// Clone returns a deep copy. The fitter mutates clones, never the
// caller's set.
func (rs *RingSet) Clone() *RingSet {
	out := &RingSet{Rings: make([]Ring, len(rs.Rings))}
	copy(out.Rings, rs.Rings)
	return out
}

// Validate checks every ring plus the strictly-increasing radius
// invariant.
func (rs *RingSet) Validate() error {
	if len(rs.Rings) == 0 {
		return NewInternalError("empty ring set")
	}
	for i, r := range rs.Rings {
		if err := r.Validate(); err != nil {
			return err
		}
		if i > 0 && r.Radius <= rs.Rings[i-1].Radius {
			return NewInternalError("ring radii not strictly increasing at ring %d", i)
		}
	}
	return nil
}

// ringHeader labels the on-disk column order of a ring table row.
const ringHeader = "#RING  RADIUS      VROT     VDISP       INC        PA        Z0      XPOS      YPOS      VSYS      VRAD      DENS"

// WriteFile writes the ring set as a whitespace-delimited table, one
// row per ring, in the column order
// (index, radius, vrot, vdisp, inc, pa, z0, xpos, ypos, vsys, vrad, density).
func (rs *RingSet) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing ring file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, ringHeader)
	for i, r := range rs.Rings {
		fmt.Fprintf(w, "%5d %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.4g\n",
			i+1, r.Radius, r.Vrot, r.Vdisp, r.Inc, r.PA, r.Z0, r.Xpos, r.Ypos, r.Vsys, r.Vrad, r.Dens)
	}
	return w.Flush()
}

// ReadRingFile parses a ring table produced by WriteFile (or supplied
// by the user). Comment lines start with '#'.
func ReadRingFile(path string) (*RingSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewUserError("cannot open ring file %s: %v", path, err)
	}
	defer f.Close()

	rs := &RingSet{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 12 {
			return nil, NewUserError("ring file %s line %d: expected 12 columns, got %d", path, line, len(fields))
		}
		vals := make([]float64, 12)
		for i, s := range fields[:12] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, NewUserError("ring file %s line %d: bad number %q", path, line, s)
			}
			vals[i] = v
		}
		rs.Rings = append(rs.Rings, Ring{
			Radius: vals[1], Vrot: vals[2], Vdisp: vals[3], Inc: vals[4],
			PA: vals[5], Z0: vals[6], Xpos: vals[7], Ypos: vals[8],
			Vsys: vals[9], Vrad: vals[10], Dens: vals[11],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, NewUserError("reading ring file %s: %v", path, err)
	}
	if len(rs.Rings) == 0 {
		return nil, NewUserError("ring file %s holds no rings", path)
	}
	// Widths are not a table column; recover the common separation
	// from the radial sampling.
	width := rs.Rings[0].Radius * 2
	if len(rs.Rings) > 1 {
		width = rs.Rings[1].Radius - rs.Rings[0].Radius
	}
	for i := range rs.Rings {
		rs.Rings[i].Width = width
	}
	return rs, nil
}
