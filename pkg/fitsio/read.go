// Package fitsio moves cubes between the in-memory model and FITS
// files: reading the primary HDU of an observation into a Cube+Header,
// and writing model and residual cubes back on the observation's grid.
package fitsio

import (
	"math"
	"os"
	"strings"

	"github.com/siravan/fits"

	"ringfit/internal/models"
)

// Read loads the primary HDU of a FITS file into a cube. 2D images are
// treated as single-channel cubes. Integer data honour the BLANK
// keyword; the usual grid, beam and spectral keywords populate the
// header.
func Read(path string) (*models.Cube, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewUserError("cannot open FITS file %s: %v", path, err)
	}
	defer f.Close()

	units, err := fits.Open(f)
	if err != nil {
		return nil, models.NewUserError("cannot parse FITS file %s: %v", path, err)
	}

	var unit *fits.Unit
	for _, u := range units {
		if u.HasImage() && len(u.Naxis) >= 2 {
			unit = u
			break
		}
	}
	if unit == nil {
		return nil, models.NewDataError("%s holds no 2D or 3D image HDU", path)
	}

	h := headerFromUnit(unit)
	cube := models.NewCube(h)

	i := 0
	for z := 0; z < h.Nz; z++ {
		for y := 0; y < h.Ny; y++ {
			for x := 0; x < h.Nx; x++ {
				var v float64
				if len(unit.Naxis) >= 3 {
					v = unit.FloatAt(x, y, z)
				} else {
					v = unit.FloatAt(x, y)
				}
				cube.Data[i] = float32(v)
				i++
			}
		}
	}
	return cube, nil
}

// headerFromUnit extracts the grid description from the HDU keywords.
func headerFromUnit(u *fits.Unit) *models.Header {
	h := &models.Header{Nx: u.Naxis[0], Ny: 1, Nz: 1}
	if len(u.Naxis) >= 2 {
		h.Ny = u.Naxis[1]
	}
	if len(u.Naxis) >= 3 {
		h.Nz = u.Naxis[2]
	}

	for ax := 0; ax < 3; ax++ {
		n := string(rune('1' + ax))
		h.Crpix[ax] = keyFloat(u, "CRPIX"+n, 1)
		h.Crval[ax] = keyFloat(u, "CRVAL"+n, 0)
		h.Cdelt[ax] = keyFloat(u, "CDELT"+n, 1)
	}

	h.Beam = models.Beam{
		Maj: keyFloat(u, "BMAJ", -1) * 3600,
		Min: keyFloat(u, "BMIN", -1) * 3600,
		PA:  keyFloat(u, "BPA", 0),
	}
	h.FluxUnit = keyString(u, "BUNIT")
	h.RestFrq = keyFloat(u, "RESTFRQ", keyFloat(u, "RESTFREQ", 0))
	h.RestWav = keyFloat(u, "RESTWAV", 0)

	if bl, ok := u.Keys["BLANK"]; ok {
		if v, ok := toFloat(bl); ok {
			h.Blank = v
			h.HasBlank = true
		}
	}

	ctype3 := strings.ToUpper(keyString(u, "CTYPE3"))
	cunit3 := strings.ToLower(keyString(u, "CUNIT3"))
	switch {
	case strings.HasPrefix(ctype3, "FREQ"):
		h.Kind = models.SpectralFrequency
	case strings.HasPrefix(ctype3, "WAVE") || strings.HasPrefix(ctype3, "AWAV"):
		h.Kind = models.SpectralWavelength
	default:
		h.Kind = models.SpectralVelocity
		// Velocity axes are carried in km/s internally.
		if strings.HasPrefix(cunit3, "m/s") || cunit3 == "m s-1" {
			h.Crval[2] /= 1000
			h.Cdelt[2] /= 1000
		}
	}

	switch {
	case strings.HasPrefix(ctype3, "VOPT") || strings.Contains(keyString(u, "SPECSYS"), "OPT"):
		h.VelDef = models.VelOptical
	case int(keyFloat(u, "VELREF", 0))%256 == 2:
		h.VelDef = models.VelOptical
	default:
		h.VelDef = models.VelRadio
	}
	return h
}

func keyFloat(u *fits.Unit, key string, def float64) float64 {
	if v, ok := u.Keys[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

func keyString(u *fits.Unit, key string) string {
	if v, ok := u.Keys[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return math.NaN(), false
}
