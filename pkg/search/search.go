package search

import (
	"context"
	"sort"

	"ringfit/internal/models"
	"ringfit/pkg/stats"
)

// SearchKind selects the axis along which primary runs are formed.
type SearchKind int

const (
	// Spatial scans each channel map row by row.
	Spatial SearchKind = iota
	// Spectral scans each spectrum along the velocity axis.
	Spectral
)

// Options configures the finder.
type Options struct {
	// Primary threshold: an SNR cut over the robust noise unless
	// UserThreshold supplies an absolute flux value.
	SNRCut        float64
	UserThreshold bool
	Threshold     float64

	// Growth (secondary) threshold, same dual mode.
	FlagGrowth      bool
	GrowthCut       float64
	UserGrowthT     bool
	GrowthThreshold float64

	Kind SearchKind

	// Adjacency policy: FlagAdjacent restricts spatial merging to
	// strictly adjacent objects; otherwise SpatialGap pixels are
	// bridged. VelocityGap channels are bridged in both cases.
	FlagAdjacent bool
	SpatialGap   int
	VelocityGap  int

	// Rejection rules. MaxChannels <= 0 disables the cap.
	MinPix      int
	MinChannels int
	MinVoxels   int
	MaxChannels int

	// TwoStageMerging links with adjacent-only gaps first and re-runs
	// the 3D linking with the relaxed gaps after rejection.
	TwoStageMerging bool
}

// DefaultOptions mirrors the usual finder settings: 4-sigma primary
// cut with 2.5-sigma growth, adjacent-only merging.
func DefaultOptions() Options {
	return Options{
		SNRCut:       4,
		FlagGrowth:   true,
		GrowthCut:    2.5,
		FlagAdjacent: true,
		SpatialGap:   3,
		VelocityGap:  3,
		MinPix:       4,
		MinChannels:  2,
		MinVoxels:    8,
	}
}

// voxel states for the growth stage.
type state uint8

const (
	available state = iota
	detected
	blank
)

// Finder runs the dual-threshold search over one cube.
type Finder struct {
	cube *models.Cube
	opt  Options
	st   stats.Stats
}

// NewFinder computes the cube statistics and derives the thresholds.
func NewFinder(cube *models.Cube, opt Options) (*Finder, error) {
	mask := make([]bool, cube.NumVox())
	any := false
	for i := range mask {
		mask[i] = !cube.IsBlank(i)
		any = any || mask[i]
	}
	if !any {
		return nil, models.NewDataError("cube contains no usable voxels")
	}
	st := stats.Calc(cube.Data, mask)
	if opt.UserThreshold {
		st.SetThreshold(opt.Threshold)
	} else {
		st.SetThresholdSNR(opt.SNRCut)
	}
	return &Finder{cube: cube, opt: opt, st: st}, nil
}

// Stats exposes the cube statistics the thresholds were derived from.
func (f *Finder) Stats() stats.Stats { return f.st }

// Search runs the full pipeline and returns the surviving detections
// sorted by descending voxel count.
func (f *Finder) Search(ctx context.Context) ([]*Detection, error) {
	perChan := f.primaryObjects()

	spatGap, velGap := f.gaps()
	linkSpat, linkVel := spatGap, velGap
	if f.opt.TwoStageMerging {
		linkSpat, linkVel = 1, 1
	}
	objects := link3D(perChan, linkSpat, linkVel)

	if err := ctx.Err(); err != nil {
		return nil, models.ErrCancelled
	}

	if f.opt.FlagGrowth {
		f.grow(objects, spatGap, velGap)
	}

	objects = f.reject(objects)

	if f.opt.TwoStageMerging {
		objects = mergeDetections(objects, spatGap, velGap)
	}

	for _, d := range objects {
		d.CalcParams(f.cube)
	}
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].NVox > objects[j].NVox
	})
	return objects, nil
}

func (f *Finder) gaps() (spat, vel int) {
	if f.opt.FlagAdjacent {
		return 1, f.opt.VelocityGap
	}
	return f.opt.SpatialGap, f.opt.VelocityGap
}

// primaryObjects extracts above-threshold runs along the configured
// axis and merges them into per-channel 2D objects.
func (f *Finder) primaryObjects() map[int][]*Object2D {
	c := f.cube
	spatGap, _ := f.gaps()
	perChan := make(map[int][]*Object2D)

	add := func(z int, s Scan) {
		obj := &Object2D{Scans: []Scan{s}}
		perChan[z] = mergeInto2D(perChan[z], obj, spatGap)
	}

	if f.opt.Kind == Spatial {
		for z := 0; z < c.Nz; z++ {
			for y := 0; y < c.Ny; y++ {
				run := -1
				for x := 0; x < c.Nx; x++ {
					hit := f.isDetected(x, y, z)
					if hit && run < 0 {
						run = x
					}
					if !hit && run >= 0 {
						add(z, Scan{Y: y, X: run, Len: x - run})
						run = -1
					}
				}
				if run >= 0 {
					add(z, Scan{Y: y, X: run, Len: c.Nx - run})
				}
			}
		}
		return perChan
	}

	// Spectral: runs form along z, then scatter into channel maps.
	for y := 0; y < c.Ny; y++ {
		for x := 0; x < c.Nx; x++ {
			run := -1
			flushRun := func(end int) {
				for z := run; z < end; z++ {
					add(z, Scan{Y: y, X: x, Len: 1})
				}
			}
			for z := 0; z < c.Nz; z++ {
				hit := f.isDetected(x, y, z)
				if hit && run < 0 {
					run = z
				}
				if !hit && run >= 0 {
					flushRun(z)
					run = -1
				}
			}
			if run >= 0 {
				flushRun(c.Nz)
			}
		}
	}
	return perChan
}

func (f *Finder) isDetected(x, y, z int) bool {
	i := f.cube.Index(x, y, z)
	if f.cube.IsBlank(i) {
		return false
	}
	return f.st.IsDetection(float64(f.cube.Data[i]))
}

// mergeInto2D inserts obj into the list, coalescing any objects it
// bridges.
func mergeInto2D(list []*Object2D, obj *Object2D, gap int) []*Object2D {
	out := list[:0]
	for _, o := range list {
		if obj.CanMerge(o, gap) {
			obj.Merge(o)
		} else {
			out = append(out, o)
		}
	}
	return append(out, obj)
}

// link3D builds detections from the per-channel objects and merges
// them under the gap policy until stable.
func link3D(perChan map[int][]*Object2D, spatGap, velGap int) []*Detection {
	var dets []*Detection
	for z, objs := range perChan {
		for _, o := range objs {
			d := NewDetection()
			d.AddChannel(z, o)
			dets = append(dets, d)
		}
	}
	return mergeDetections(dets, spatGap, velGap)
}

// mergeDetections coalesces every pair of detections that CanMerge,
// iterating until no merge applies.
func mergeDetections(dets []*Detection, spatGap, velGap int) []*Detection {
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(dets) && !changed; i++ {
			for j := i + 1; j < len(dets); j++ {
				if dets[i].CanMerge(dets[j], spatGap, velGap) {
					dets[i].Merge(dets[j])
					dets = append(dets[:j], dets[j+1:]...)
					changed = true
					break
				}
			}
		}
	}
	return dets
}

// grow extends every detection into AVAILABLE voxels above the
// secondary threshold, breadth-first, until no additions remain. Each
// voxel is in exactly one of three states and growth only ever flips
// AVAILABLE to DETECTED.
func (f *Finder) grow(dets []*Detection, spatGap, velGap int) {
	c := f.cube
	growth := f.st
	if f.opt.UserGrowthT {
		growth.SetThreshold(f.opt.GrowthThreshold)
	} else {
		growth.SetThresholdSNR(f.opt.GrowthCut)
	}

	states := make([]state, c.NumVox())
	for i := range states {
		if c.IsBlank(i) {
			states[i] = blank
		}
	}
	for _, d := range dets {
		for _, v := range d.Voxels(c) {
			states[c.Index(v.X, v.Y, v.Z)] = detected
		}
	}

	for _, d := range dets {
		queue := d.Voxels(c)
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			for dz := -velGap; dz <= velGap; dz++ {
				for dy := -spatGap; dy <= spatGap; dy++ {
					for dx := -spatGap; dx <= spatGap; dx++ {
						x, y, z := v.X+dx, v.Y+dy, v.Z+dz
						if (dx == 0 && dy == 0 && dz == 0) || !c.Inside(x, y, z) {
							continue
						}
						i := c.Index(x, y, z)
						if states[i] != available {
							continue
						}
						if growth.IsDetection(float64(c.Data[i])) {
							states[i] = detected
							d.AddPixel(x, y, z)
							queue = append(queue, Voxel{X: x, Y: y, Z: z})
						}
					}
				}
			}
		}
	}
}

// reject drops detections failing the size rules.
func (f *Finder) reject(dets []*Detection) []*Detection {
	out := dets[:0]
	for _, d := range dets {
		d.CalcParams(f.cube)
		nchan := len(d.Channels())
		switch {
		case d.MaxAdjacentChannels() < f.opt.MinChannels:
		case d.SpatialSize() < f.opt.MinPix:
		case d.NVox < f.opt.MinVoxels:
		case f.opt.MaxChannels > 0 && nchan > f.opt.MaxChannels:
		default:
			out = append(out, d)
		}
	}
	return out
}
