// Package render draws diagnostic overlays onto notification images
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/fogleman/gg"
)

var (
	colorAccepted = color.RGBA{0, 220, 0, 255}
	colorRejected = color.RGBA{220, 0, 0, 255}
	colorAlarm    = color.RGBA{255, 200, 0, 255}
	colorExcluded = color.RGBA{219, 33, 213, 255}
	colorFill     = color.RGBA{219, 33, 213, 40}
)

// Box is one detection to draw
type Box struct {
	Rect     geom.Rect
	Label    string
	Score    float32
	Accepted bool
}

// Annotations is everything we draw on top of a frame
type Annotations struct {
	Width            int // Only used if the frame image is missing
	Height           int
	Detections       []Box
	AlarmBox         *geom.Rect
	ExcludedPoints   []geom.Point
	ExcludedPolygons []geom.Polygon // Static exclusions and zone polygons, already in frame coordinates
}

// Render returns a copy of img with the annotations drawn on it.
// If img is nil, a blank canvas of the annotated size is used instead.
func Render(img image.Image, a *Annotations) *image.RGBA {
	var dst *image.RGBA
	if img == nil {
		dst = image.NewRGBA(image.Rect(0, 0, max(a.Width, 1), max(a.Height, 1)))
		draw.Draw(dst, dst.Rect, image.NewUniform(color.RGBA{40, 40, 40, 255}), image.Point{}, draw.Src)
	} else {
		b := img.Bounds()
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	}

	dc := gg.NewContextForRGBA(dst)
	lineWidth := max(2, float64(dst.Rect.Dx())/400)

	// Exclusion geometry
	dc.SetLineWidth(lineWidth)
	for _, poly := range a.ExcludedPolygons {
		drawPolygon(dc, poly)
	}
	dc.SetColor(colorExcluded)
	for _, p := range a.ExcludedPoints {
		dc.DrawCircle(float64(p.X), float64(p.Y), lineWidth*2)
		dc.Fill()
	}

	if a.AlarmBox != nil {
		dc.SetColor(colorAlarm)
		dc.SetDash(lineWidth*3, lineWidth*2)
		drawRect(dc, *a.AlarmBox)
		dc.Stroke()
		dc.SetDash()
	}

	// Draw rejected detections first, so that accepted ones end up on top
	for pass := 0; pass < 2; pass++ {
		for _, det := range a.Detections {
			if det.Accepted != (pass == 1) {
				continue
			}
			if det.Accepted {
				dc.SetColor(colorAccepted)
			} else {
				dc.SetColor(colorRejected)
			}
			drawRect(dc, det.Rect)
			dc.Stroke()
			caption := fmt.Sprintf("%v %.0f%%", det.Label, det.Score*100)
			ty := float64(det.Rect.Top) - 4
			if ty < 12 {
				ty = float64(det.Rect.Bottom) + 14
			}
			dc.DrawString(caption, float64(det.Rect.Left), ty)
		}
	}

	return dst
}

func drawRect(dc *gg.Context, r geom.Rect) {
	dc.DrawRectangle(float64(r.Left), float64(r.Top), float64(r.Width()), float64(r.Height()))
}

func drawPolygon(dc *gg.Context, poly geom.Polygon) {
	if len(poly) < 2 {
		return
	}
	dc.NewSubPath()
	for _, p := range poly {
		dc.LineTo(float64(p.X), float64(p.Y))
	}
	dc.ClosePath()
	dc.SetFillStyle(gg.NewSolidPattern(colorFill))
	dc.FillPreserve()
	dc.SetColor(colorExcluded)
	dc.Stroke()
}
