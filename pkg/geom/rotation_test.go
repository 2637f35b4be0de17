package geom

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotationIdentity(t *testing.T) {
	var nilRot *Rotation
	require.True(t, nilRot.IsIdentity())
	require.Equal(t, Point{3, 4}, nilRot.TransformPoint(Point{3, 4}))

	r := NewRotation(640, 480, 0)
	require.True(t, r.IsIdentity())
	require.Equal(t, Point{3, 4}, r.TransformPoint(Point{3, 4}))

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	require.Same(t, img, r.RotateAndExpand(img).(*image.RGBA))

	require.True(t, NewRotation(640, 480, 360).IsIdentity())
}

func TestRotation90(t *testing.T) {
	r := NewRotation(1000, 1000, 90)
	require.Equal(t, 1000, r.DstWidth)
	require.Equal(t, 1000, r.DstHeight)
	// (x,y) -> (y, 1000-x)
	require.Equal(t, Point{0, 1000}, r.TransformPoint(Point{0, 0}))
	require.Equal(t, Point{1, 1000}, r.TransformPoint(Point{0, 1}))
	require.Equal(t, Point{1, 999}, r.TransformPoint(Point{1, 1}))
	require.Equal(t, Point{0, 999}, r.TransformPoint(Point{1, 0}))
	require.Equal(t, Point{250, 900}, r.TransformPoint(Point{100, 250}))

	poly := r.TransformPolygon(Polygon{{0, 0}, {0, 1}, {1, 1}, {1, 0}})
	require.True(t, poly.IntersectsRect(NewRect(0, 1000, 1, 999)))
	require.False(t, poly.IntersectsRect(NewRect(0, 997, 1, 998)))

	require.Equal(t, Rect{0, 999, 1, 1000}, r.TransformRect(Rect{0, 0, 1, 1}))
}

func TestRotationExpandsBounds(t *testing.T) {
	r := NewRotation(640, 480, 90)
	require.Equal(t, 480, r.DstWidth)
	require.Equal(t, 640, r.DstHeight)
	// Every corner of the source must land inside the destination
	for _, c := range (Rect{0, 0, 640, 480}).Corners() {
		p := r.TransformPoint(c)
		require.GreaterOrEqual(t, p.X, 0)
		require.GreaterOrEqual(t, p.Y, 0)
		require.LessOrEqual(t, p.X, r.DstWidth)
		require.LessOrEqual(t, p.Y, r.DstHeight)
	}

	r45 := NewRotation(100, 100, 45)
	require.Equal(t, 141, r45.DstWidth)
	require.Equal(t, 141, r45.DstHeight)
}

func TestRotateImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 20))
	red := color.RGBA{255, 0, 0, 255}
	// Paint the top-right corner red
	for y := 0; y < 5; y++ {
		for x := 35; x < 40; x++ {
			src.SetRGBA(x, y, red)
		}
	}
	r := NewRotation(40, 20, 90)
	dst := r.RotateAndExpand(src)
	require.Equal(t, image.Rect(0, 0, 20, 40), dst.Bounds())
	// Counter-clockwise by 90: top-right moves to top-left
	p := r.TransformPoint(Point{37, 2})
	require.Equal(t, Point{2, 3}, p)
	cr, _, _, _ := dst.At(p.X, p.Y).RGBA()
	require.Greater(t, cr, uint32(0x8000))
}
