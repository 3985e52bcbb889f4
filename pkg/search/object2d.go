// Package search implements the dual-threshold source finder: runs of
// bright voxels are grown into 2D objects per channel, linked across
// channels into 3D detections, optionally grown to a secondary
// threshold, and filtered by size rules.
package search

// Scan is a horizontal run of detected pixels: row Y, starting column
// X, length Len.
type Scan struct {
	Y, X, Len int
}

// XMax returns the last column covered by the scan.
func (s Scan) XMax() int { return s.X + s.Len - 1 }

// contains reports whether (x, y) lies on the scan.
func (s Scan) contains(x, y int) bool {
	return y == s.Y && x >= s.X && x <= s.XMax()
}

// touches reports whether two scans are within gap of each other, both
// vertically and horizontally.
func (s Scan) touches(o Scan, gap int) bool {
	dy := s.Y - o.Y
	if dy < 0 {
		dy = -dy
	}
	if dy > gap {
		return false
	}
	return s.X <= o.XMax()+gap && o.X <= s.XMax()+gap
}

// Object2D is a set of scans forming one connected object in a single
// channel map.
type Object2D struct {
	Scans []Scan
}

// AddPixel inserts (x, y), extending an existing scan where possible
// and tidying any scans that now touch.
func (o *Object2D) AddPixel(x, y int) {
	for i := range o.Scans {
		s := &o.Scans[i]
		if s.contains(x, y) {
			return
		}
		if y == s.Y && x == s.X-1 {
			s.X--
			s.Len++
			o.cleanup()
			return
		}
		if y == s.Y && x == s.XMax()+1 {
			s.Len++
			o.cleanup()
			return
		}
	}
	o.Scans = append(o.Scans, Scan{Y: y, X: x, Len: 1})
}

// AddScan appends a scan, merging it with an adjacent one if possible.
func (o *Object2D) AddScan(s Scan) {
	o.Scans = append(o.Scans, s)
	o.cleanup()
}

// cleanup coalesces scans on the same row that touch or overlap.
func (o *Object2D) cleanup() {
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(o.Scans) && !changed; i++ {
			for j := i + 1; j < len(o.Scans); j++ {
				a, b := o.Scans[i], o.Scans[j]
				if a.Y != b.Y || a.X > b.XMax()+1 || b.X > a.XMax()+1 {
					continue
				}
				x0 := a.X
				if b.X < x0 {
					x0 = b.X
				}
				x1 := a.XMax()
				if b.XMax() > x1 {
					x1 = b.XMax()
				}
				o.Scans[i] = Scan{Y: a.Y, X: x0, Len: x1 - x0 + 1}
				o.Scans = append(o.Scans[:j], o.Scans[j+1:]...)
				changed = true
				break
			}
		}
	}
}

// NumPix returns the pixel count.
func (o *Object2D) NumPix() int {
	n := 0
	for _, s := range o.Scans {
		n += s.Len
	}
	return n
}

// IsIn reports whether (x, y) belongs to the object.
func (o *Object2D) IsIn(x, y int) bool {
	for _, s := range o.Scans {
		if s.contains(x, y) {
			return true
		}
	}
	return false
}

// Bounds returns the bounding box.
func (o *Object2D) Bounds() (xmin, xmax, ymin, ymax int) {
	first := true
	for _, s := range o.Scans {
		if first {
			xmin, xmax, ymin, ymax = s.X, s.XMax(), s.Y, s.Y
			first = false
			continue
		}
		if s.X < xmin {
			xmin = s.X
		}
		if s.XMax() > xmax {
			xmax = s.XMax()
		}
		if s.Y < ymin {
			ymin = s.Y
		}
		if s.Y > ymax {
			ymax = s.Y
		}
	}
	return xmin, xmax, ymin, ymax
}

// CanMerge reports whether two objects are close enough to be one,
// under a spatial gap (gap=1 when only strictly adjacent objects
// merge).
func (o *Object2D) CanMerge(other *Object2D, gap int) bool {
	// Cheap bounding-box rejection before the scan-pair test.
	ax0, ax1, ay0, ay1 := o.Bounds()
	bx0, bx1, by0, by1 := other.Bounds()
	if ax0 > bx1+gap || bx0 > ax1+gap || ay0 > by1+gap || by0 > ay1+gap {
		return false
	}
	for _, a := range o.Scans {
		for _, b := range other.Scans {
			if a.touches(b, gap) {
				return true
			}
		}
	}
	return false
}

// Merge absorbs other into o.
func (o *Object2D) Merge(other *Object2D) {
	for _, s := range other.Scans {
		o.Scans = append(o.Scans, s)
	}
	o.cleanup()
}
