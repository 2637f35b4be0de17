// Package geom holds the integer pixel geometry used to filter detections:
// points, inclusive rectangles, polygons, and the rotation transform that maps
// a monitor's native coordinates into the orientation that frames are analyzed in.
package geom

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) MoveBy(dx, dy int) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

func (p Point) String() string {
	return fmt.Sprintf("%v,%v", p.X, p.Y)
}

// Rect is an axis-aligned box with inclusive pixel bounds.
// A Rect with Left == Right covers one column of pixels.
// Use NewRect when the corners may arrive in any order.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// NewRect creates a rectangle from two opposite corners, normalizing so that Right >= Left and Bottom >= Top
func NewRect(x1, y1, x2, y2 int) Rect {
	return Rect{
		Left:   min(x1, x2),
		Top:    min(y1, y2),
		Right:  max(x1, x2),
		Bottom: max(y1, y2),
	}
}

func (r Rect) Width() int {
	return r.Right - r.Left + 1
}

func (r Rect) Height() int {
	return r.Bottom - r.Top + 1
}

// Area is the number of pixels covered by the rectangle
func (r Rect) Area() int {
	return r.Width() * r.Height()
}

func (r Rect) Center() Point {
	return Point{X: (r.Left + r.Right) / 2, Y: (r.Top + r.Bottom) / 2}
}

// Corners returns the four corners, clockwise from top-left
func (r Rect) Corners() [4]Point {
	return [4]Point{
		{r.Left, r.Top},
		{r.Right, r.Top},
		{r.Right, r.Bottom},
		{r.Left, r.Bottom},
	}
}

func (r Rect) Polygon() Polygon {
	c := r.Corners()
	return Polygon(c[:])
}

func (r Rect) MoveBy(dx, dy int) Rect {
	return Rect{
		Left:   r.Left + dx,
		Top:    r.Top + dy,
		Right:  r.Right + dx,
		Bottom: r.Bottom + dy,
	}
}

// Contains returns true if p lies inside the rectangle or on its boundary
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Right && p.Y >= r.Top && p.Y <= r.Bottom
}

// Intersection returns the pixels shared by both rectangles.
// If they share no pixels, ok is false.
func (r Rect) Intersection(b Rect) (isect Rect, ok bool) {
	isect = Rect{
		Left:   max(r.Left, b.Left),
		Top:    max(r.Top, b.Top),
		Right:  min(r.Right, b.Right),
		Bottom: min(r.Bottom, b.Bottom),
	}
	ok = isect.Left <= isect.Right && isect.Top <= isect.Bottom
	return
}

// IntersectionArea returns the number of pixels shared by both rectangles
func (r Rect) IntersectionArea(b Rect) int {
	isect, ok := r.Intersection(b)
	if !ok {
		return 0
	}
	return isect.Area()
}

// Overlaps returns true if the two rectangles, seen as closed regions, touch or overlap
func (r Rect) Overlaps(b Rect) bool {
	return r.Left <= b.Right && b.Left <= r.Right && r.Top <= b.Bottom && b.Top <= r.Bottom
}

// IntersectsPolygon returns true if the rectangle and the polygon share any point,
// including a shared edge or vertex.
func (r Rect) IntersectsPolygon(poly Polygon) bool {
	return poly.IntersectsRect(r)
}

func (r Rect) String() string {
	return fmt.Sprintf("[%v,%v,%v,%v]", r.Left, r.Top, r.Right, r.Bottom)
}

// BoundingBox returns the smallest rectangle that contains all of the points.
// The bounding box of zero points is the zero Rect.
func BoundingBox(points []Point) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	b := Rect{
		Left:   math.MaxInt,
		Top:    math.MaxInt,
		Right:  math.MinInt,
		Bottom: math.MinInt,
	}
	for _, p := range points {
		b.Left = min(b.Left, p.X)
		b.Top = min(b.Top, p.Y)
		b.Right = max(b.Right, p.X)
		b.Bottom = max(b.Bottom, p.Y)
	}
	return b
}

// RelativeDifference returns |a-b| / max(a,b), as a percentage.
// Two zero values have no difference.
func RelativeDifference(a, b float32) float32 {
	biggest := math32.Max(a, b)
	if biggest == 0 {
		return 0
	}
	return math32.Abs(a-b) / biggest * 100
}
