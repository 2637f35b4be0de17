package geom

// Polygon is a closed ring of vertices. The closing edge from the last vertex
// back to the first is implied.
type Polygon []Point

func (p Polygon) Bounds() Rect {
	return BoundingBox(p)
}

func (p Polygon) MoveBy(dx, dy int) Polygon {
	out := make(Polygon, len(p))
	for i, v := range p {
		out[i] = v.MoveBy(dx, dy)
	}
	return out
}

// Contains returns true if pt is inside the polygon or on its boundary
func (p Polygon) Contains(pt Point) bool {
	n := len(p)
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if onSegment(p[i], p[(i+1)%n], pt) {
			return true
		}
	}
	// Even-odd ray cast towards +X
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			xCross := float64(a.X) + float64(pt.Y-a.Y)*float64(b.X-a.X)/float64(b.Y-a.Y)
			if float64(pt.X) < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// IntersectsRect returns true if the polygon and the closed rectangle share any point
func (p Polygon) IntersectsRect(r Rect) bool {
	if len(p) == 0 || !p.Bounds().Overlaps(r) {
		return false
	}
	for _, v := range p {
		if r.Contains(v) {
			return true
		}
	}
	corners := r.Corners()
	for _, c := range corners {
		if p.Contains(c) {
			return true
		}
	}
	n := len(p)
	for i := 0; i < n; i++ {
		a, b := p[i], p[(i+1)%n]
		for k := 0; k < 4; k++ {
			if segmentsIntersect(a, b, corners[k], corners[(k+1)%4]) {
				return true
			}
		}
	}
	return false
}

// Intersects returns true if the two polygons share any point
func (p Polygon) Intersects(q Polygon) bool {
	if len(p) == 0 || len(q) == 0 || !p.Bounds().Overlaps(q.Bounds()) {
		return false
	}
	if q.Contains(p[0]) || p.Contains(q[0]) {
		return true
	}
	for i := range p {
		for k := range q {
			if segmentsIntersect(p[i], p[(i+1)%len(p)], q[k], q[(k+1)%len(q)]) {
				return true
			}
		}
	}
	return false
}

// cross returns the z component of (b-a) x (c-a)
func cross(a, b, c Point) int64 {
	return int64(b.X-a.X)*int64(c.Y-a.Y) - int64(b.Y-a.Y)*int64(c.X-a.X)
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment returns true if c lies on the closed segment a-b
func onSegment(a, b, c Point) bool {
	if cross(a, b, c) != 0 {
		return false
	}
	return c.X >= min(a.X, b.X) && c.X <= max(a.X, b.X) && c.Y >= min(a.Y, b.Y) && c.Y <= max(a.Y, b.Y)
}

// segmentsIntersect returns true if the closed segments a-b and c-d share any point
func segmentsIntersect(a, b, c, d Point) bool {
	d1 := sign(cross(c, d, a))
	d2 := sign(cross(c, d, b))
	d3 := sign(cross(a, b, c))
	d4 := sign(cross(a, b, d))
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(c, d, a)) ||
		(d2 == 0 && onSegment(c, d, b)) ||
		(d3 == 0 && onSegment(a, b, c)) ||
		(d4 == 0 && onSegment(a, b, d))
}
