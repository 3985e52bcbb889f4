package search

import (
	"math"
	"sort"

	"ringfit/internal/models"
	"ringfit/pkg/geometry"
)

// Voxel is one detected cube cell with its flux.
type Voxel struct {
	X, Y, Z int
	F       float64
}

// Detection is a 3D connected component: a mapping from channel index
// to the 2D object in that channel (Channels lists them in sorted
// order), plus aggregate statistics cached by CalcParams.
type Detection struct {
	chans map[int]*Object2D

	// Cached aggregates, valid after CalcParams.
	NVox                   int
	Xmin, Xmax             int
	Ymin, Ymax             int
	Zmin, Zmax             int
	XCen, YCen, ZCen       float64 // flux-weighted centroid
	Xavg, Yavg, Zavg       float64 // geometric (unweighted) centroid
	TotalFlux              float64
	W50                    float64 // km/s
	Vsys                   float64 // km/s
}

// NewDetection returns an empty detection.
func NewDetection() *Detection {
	return &Detection{chans: make(map[int]*Object2D)}
}

// AddPixel inserts voxel (x, y, z).
func (d *Detection) AddPixel(x, y, z int) {
	obj, ok := d.chans[z]
	if !ok {
		obj = &Object2D{}
		d.chans[z] = obj
	}
	obj.AddPixel(x, y)
}

// AddChannel merges a 2D object into channel z.
func (d *Detection) AddChannel(z int, obj *Object2D) {
	if have, ok := d.chans[z]; ok {
		have.Merge(obj)
	} else {
		cp := &Object2D{Scans: append([]Scan(nil), obj.Scans...)}
		d.chans[z] = cp
	}
}

// Merge absorbs another detection.
func (d *Detection) Merge(other *Detection) {
	for z, obj := range other.chans {
		d.AddChannel(z, obj)
	}
}

// Channels returns the sorted channel list.
func (d *Detection) Channels() []int {
	zs := make([]int, 0, len(d.chans))
	for z := range d.chans {
		zs = append(zs, z)
	}
	sort.Ints(zs)
	return zs
}

// ChanMap returns the 2D object in channel z, or nil.
func (d *Detection) ChanMap(z int) *Object2D { return d.chans[z] }

// IsIn reports whether voxel (x, y, z) belongs to the detection.
func (d *Detection) IsIn(x, y, z int) bool {
	obj, ok := d.chans[z]
	return ok && obj.IsIn(x, y)
}

// Voxels enumerates every member voxel with its flux from the cube.
func (d *Detection) Voxels(c *models.Cube) []Voxel {
	var out []Voxel
	for _, z := range d.Channels() {
		for _, s := range d.chans[z].Scans {
			for x := s.X; x <= s.XMax(); x++ {
				out = append(out, Voxel{X: x, Y: s.Y, Z: z, F: float64(c.At(x, s.Y, z))})
			}
		}
	}
	return out
}

// SpatialMap flattens the detection along z into a single 2D footprint.
func (d *Detection) SpatialMap() *Object2D {
	out := &Object2D{}
	for _, obj := range d.chans {
		for _, s := range obj.Scans {
			out.AddScan(s)
		}
	}
	return out
}

// SpatialSize returns the number of distinct spatial pixels.
func (d *Detection) SpatialSize() int { return d.SpatialMap().NumPix() }

// MaxAdjacentChannels returns the length of the longest run of
// consecutive channels in the detection.
func (d *Detection) MaxAdjacentChannels() int {
	zs := d.Channels()
	best, run := 0, 0
	for i, z := range zs {
		if i > 0 && z == zs[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// CanMerge reports whether two detections should be one object: their
// channel ranges within velGap of each other and their spatial
// footprints within spatGap.
func (d *Detection) CanMerge(other *Detection, spatGap, velGap int) bool {
	za, zb := d.Channels(), other.Channels()
	if len(za) == 0 || len(zb) == 0 {
		return false
	}
	if za[0] > zb[len(zb)-1]+velGap || zb[0] > za[len(za)-1]+velGap {
		return false
	}
	return d.SpatialMap().CanMerge(other.SpatialMap(), spatGap)
}

// CalcParams recomputes the cached aggregates from the cube: voxel
// count, bounding box, centroids, integrated flux, W50 and the
// first-moment systemic velocity of the integrated spectrum.
func (d *Detection) CalcParams(c *models.Cube) {
	voxels := d.Voxels(c)
	d.NVox = len(voxels)
	if d.NVox == 0 {
		return
	}

	d.Xmin, d.Xmax = voxels[0].X, voxels[0].X
	d.Ymin, d.Ymax = voxels[0].Y, voxels[0].Y
	d.Zmin, d.Zmax = voxels[0].Z, voxels[0].Z

	var fsum, fx, fy, fz float64
	var sx, sy, sz float64
	spec := make([]float64, c.Nz)
	for _, v := range voxels {
		if v.X < d.Xmin {
			d.Xmin = v.X
		}
		if v.X > d.Xmax {
			d.Xmax = v.X
		}
		if v.Y < d.Ymin {
			d.Ymin = v.Y
		}
		if v.Y > d.Ymax {
			d.Ymax = v.Y
		}
		if v.Z < d.Zmin {
			d.Zmin = v.Z
		}
		if v.Z > d.Zmax {
			d.Zmax = v.Z
		}
		f := v.F
		if math.IsNaN(f) {
			f = 0
		}
		fsum += f
		fx += f * float64(v.X)
		fy += f * float64(v.Y)
		fz += f * float64(v.Z)
		sx += float64(v.X)
		sy += float64(v.Y)
		sz += float64(v.Z)
		spec[v.Z] += f
	}
	d.TotalFlux = fsum
	n := float64(d.NVox)
	d.Xavg, d.Yavg, d.Zavg = sx/n, sy/n, sz/n
	if fsum != 0 {
		d.XCen, d.YCen, d.ZCen = fx/fsum, fy/fsum, fz/fsum
	} else {
		d.XCen, d.YCen, d.ZCen = d.Xavg, d.Yavg, d.Zavg
	}

	d.calcSpectralParams(c.Head, spec)
}

// calcSpectralParams derives W50 and the systemic velocity from the
// integrated spectrum.
func (d *Detection) calcSpectralParams(h *models.Header, spec []float64) {
	// First moment of the integrated profile.
	var fsum, fvsum float64
	for z, f := range spec {
		if f <= 0 {
			continue
		}
		v := geometry.VelocityOf(h, float64(z))
		fsum += f
		fvsum += f * v
	}
	if fsum > 0 {
		d.Vsys = fvsum / fsum
	}

	// W50: walk outward from the peak to the half-maximum crossings,
	// interpolating linearly between channels.
	peak, zp := 0.0, 0
	for z, f := range spec {
		if f > peak {
			peak, zp = f, z
		}
	}
	if peak <= 0 {
		return
	}
	half := peak / 2
	lo := float64(zp)
	for z := zp; z >= 0; z-- {
		if spec[z] < half {
			lo = float64(z) + (half-spec[z])/(spec[z+1]-spec[z])
			break
		}
		lo = float64(z)
	}
	hi := float64(zp)
	for z := zp; z < len(spec); z++ {
		if spec[z] < half {
			hi = float64(z) - (half-spec[z])/(spec[z-1]-spec[z])
			break
		}
		hi = float64(z)
	}
	d.W50 = math.Abs(geometry.VelocityOf(h, hi) - geometry.VelocityOf(h, lo))
}
