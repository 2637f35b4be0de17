package geom

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Rotation rotates an image of a fixed size around its center, expanding the
// output so that no pixels are clipped. The same affine matrix is used for
// images and for points, so that geometry defined in the unrotated space lands
// on the same pixels as the rotated image.
//
// A nil *Rotation, or one with a zero angle, is the identity.
type Rotation struct {
	Angle     float64 // Degrees, counter-clockwise
	SrcWidth  int
	SrcHeight int
	DstWidth  int
	DstHeight int
	m         f64.Aff3
}

// NewRotation builds the transform for an image of the given size.
// Angles that are a multiple of 360 produce the identity.
func NewRotation(width, height int, angleDegrees float64) *Rotation {
	r := &Rotation{
		Angle:     math.Mod(angleDegrees, 360),
		SrcWidth:  width,
		SrcHeight: height,
		DstWidth:  width,
		DstHeight: height,
		m:         f64.Aff3{1, 0, 0, 0, 1, 0},
	}
	if r.Angle == 0 {
		return r
	}

	rad := r.Angle * math.Pi / 180
	c := snapUnit(math.Cos(rad))
	s := snapUnit(math.Sin(rad))
	cx := float64(width) / 2
	cy := float64(height) / 2

	// Rotation around the center, with positive angles turning counter-clockwise on screen
	r.m = f64.Aff3{
		c, s, (1-c)*cx - s*cy,
		-s, c, s*cx + (1-c)*cy,
	}

	// Grow the output so that the corners are not clipped, and shift the
	// matrix so that the output starts at the origin.
	r.DstWidth = int(float64(height)*math.Abs(s) + float64(width)*math.Abs(c))
	r.DstHeight = int(float64(height)*math.Abs(c) + float64(width)*math.Abs(s))
	r.m[2] += float64(r.DstWidth)/2 - cx
	r.m[5] += float64(r.DstHeight)/2 - cy
	return r
}

// snapUnit removes floating point noise from sin/cos of right angles
func snapUnit(v float64) float64 {
	const eps = 1e-12
	switch {
	case math.Abs(v) < eps:
		return 0
	case math.Abs(v-1) < eps:
		return 1
	case math.Abs(v+1) < eps:
		return -1
	}
	return v
}

func (r *Rotation) IsIdentity() bool {
	return r == nil || r.Angle == 0
}

// Matrix returns the source to destination affine transform
func (r *Rotation) Matrix() f64.Aff3 {
	if r.IsIdentity() {
		return f64.Aff3{1, 0, 0, 0, 1, 0}
	}
	return r.m
}

func (r *Rotation) TransformPoint(p Point) Point {
	if r.IsIdentity() {
		return p
	}
	x := float64(p.X)
	y := float64(p.Y)
	return Point{
		X: int(math.Round(r.m[0]*x + r.m[1]*y + r.m[2])),
		Y: int(math.Round(r.m[3]*x + r.m[4]*y + r.m[5])),
	}
}

func (r *Rotation) TransformPolygon(poly Polygon) Polygon {
	if r.IsIdentity() {
		return poly
	}
	out := make(Polygon, len(poly))
	for i, p := range poly {
		out[i] = r.TransformPoint(p)
	}
	return out
}

// TransformRect rotates the corners of the rectangle, and returns their bounding box
func (r *Rotation) TransformRect(rect Rect) Rect {
	if r.IsIdentity() {
		return rect
	}
	corners := rect.Corners()
	for i := range corners {
		corners[i] = r.TransformPoint(corners[i])
	}
	return BoundingBox(corners[:])
}

// RotateAndExpand returns a rotated copy of img, or img itself if the rotation is the identity
func (r *Rotation) RotateAndExpand(img image.Image) image.Image {
	if r.IsIdentity() || img == nil {
		return img
	}
	m := r.m
	// The matrix is defined relative to an image whose origin is (0,0)
	if origin := img.Bounds().Min; origin != (image.Point{}) {
		m[2] -= m[0]*float64(origin.X) + m[1]*float64(origin.Y)
		m[5] -= m[3]*float64(origin.X) + m[4]*float64(origin.Y)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.DstWidth, r.DstHeight))
	draw.BiLinear.Transform(dst, m, img, img.Bounds(), draw.Src, nil)
	return dst
}
