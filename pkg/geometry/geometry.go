// Package geometry holds the pure coordinate transforms shared by the
// synthesiser, the fitter and the guesser: spectral channel to
// line-of-sight velocity and back, and the tilted-ring projection
// between disk-plane and pixel coordinates.
//
// Angular conventions: position angles are measured east of north, 0°
// along +y and increasing through -x; inclination 0° is face-on. All
// angles are degrees and are converted with pi/180 uniformly.
package geometry

import (
	"math"

	"ringfit/internal/models"
)

// CLight is the speed of light in km/s.
const CLight = 299792.458

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

// VelocityOf converts spectral pixel z (0-based, fractional allowed) to
// line-of-sight velocity in km/s, honouring the axis kind and the
// velocity definition of the header.
func VelocityOf(h *models.Header, z float64) float64 {
	p := h.ZPhys(z)
	switch h.Kind {
	case models.SpectralVelocity:
		return p
	case models.SpectralFrequency:
		nu0 := h.RestFrq
		switch h.VelDef {
		case models.VelRadio:
			return CLight * (nu0 - p) / nu0
		case models.VelOptical:
			return CLight * (nu0 - p) / p
		default: // relativistic
			return CLight * (nu0*nu0 - p*p) / (nu0*nu0 + p*p)
		}
	default: // wavelength
		l0 := h.RestWav
		switch h.VelDef {
		case models.VelRadio:
			return CLight * (p - l0) / p
		case models.VelOptical:
			return CLight * (p - l0) / l0
		default:
			return CLight * (p*p - l0*l0) / (p*p + l0*l0)
		}
	}
}

// ChannelOf is the inverse of VelocityOf: the fractional 0-based
// channel whose line-of-sight velocity is v km/s.
func ChannelOf(h *models.Header, v float64) float64 {
	var p float64
	beta := v / CLight
	switch h.Kind {
	case models.SpectralVelocity:
		p = v
	case models.SpectralFrequency:
		nu0 := h.RestFrq
		switch h.VelDef {
		case models.VelRadio:
			p = nu0 * (1 - beta)
		case models.VelOptical:
			p = nu0 / (1 + beta)
		default:
			p = nu0 * math.Sqrt((1-beta)/(1+beta))
		}
	default:
		l0 := h.RestWav
		switch h.VelDef {
		case models.VelRadio:
			p = l0 / (1 - beta)
		case models.VelOptical:
			p = l0 * (1 + beta)
		default:
			p = l0 * math.Sqrt((1+beta)/(1-beta))
		}
	}
	return h.ZPix(p)
}

// ChannelWidth returns the absolute velocity width of one channel in
// km/s, evaluated at the cube centre.
func ChannelWidth(h *models.Header) float64 {
	mid := float64(h.Nz) / 2
	return math.Abs(VelocityOf(h, mid+0.5) - VelocityOf(h, mid-0.5))
}

// Projection caches the trigonometry of one ring's orientation so that
// the per-cloudlet and per-pixel transforms avoid recomputing it. The
// matrices are rebuilt once per ring per fit iteration.
type Projection struct {
	sinPA, cosPA   float64
	sinInc, cosInc float64
	x0, y0         float64
	pixScale       float64 // arcsec per pixel
}

// NewProjection builds the projection for orientation (inc, pa) degrees
// about centre (x0, y0) pixels, on a grid with the given pixel scale in
// arcsec/pixel.
func NewProjection(inc, pa, x0, y0, pixScale float64) Projection {
	return Projection{
		sinPA:    math.Sin(deg2rad(pa)),
		cosPA:    math.Cos(deg2rad(pa)),
		sinInc:   math.Sin(deg2rad(inc)),
		cosInc:   math.Cos(deg2rad(inc)),
		x0:       x0,
		y0:       y0,
		pixScale: pixScale,
	}
}

// SinInc exposes sin(inc) for the line-of-sight velocity term.
func (p Projection) SinInc() float64 { return p.sinInc }

// RingToPixel maps a disk-plane point to pixel coordinates. r is the
// galactocentric radius in arcsec, theta the azimuth in radians from
// the receding major axis, and zh the height above the disk midplane in
// arcsec.
func (p Projection) RingToPixel(r, theta, zh float64) (x, y float64) {
	xd := r * math.Cos(theta)
	yd := r * math.Sin(theta)
	// Project the disk frame onto the sky: the minor-axis offset picks
	// up cos(inc) foreshortening plus the vertical displacement.
	u := xd
	w := yd*p.cosInc - zh*p.sinInc
	x = p.x0 - (u*p.sinPA+w*p.cosPA)/p.pixScale
	y = p.y0 + (u*p.cosPA-w*p.sinPA)/p.pixScale
	return x, y
}

// PixelToRing is the midplane inverse of RingToPixel: pixel (x, y) to
// (r arcsec, theta radians) in the disk plane.
func (p Projection) PixelToRing(x, y float64) (r, theta float64) {
	dx := (x - p.x0) * p.pixScale
	dy := (y - p.y0) * p.pixScale
	xr := -dx*p.sinPA + dy*p.cosPA
	yr := (-dx*p.cosPA - dy*p.sinPA) / p.cosInc
	r = math.Hypot(xr, yr)
	theta = math.Atan2(yr, xr)
	return r, theta
}

// LosVelocity returns the systemic-frame line-of-sight velocity of a
// ring element at azimuth theta:
// vsys + (vrot*cos(theta) + vrad*sin(theta)) * sin(inc).
func (p Projection) LosVelocity(vsys, vrot, vrad, theta float64) float64 {
	return vsys + (vrot*math.Cos(theta)+vrad*math.Sin(theta))*p.sinInc
}
