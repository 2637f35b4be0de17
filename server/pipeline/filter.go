package pipeline

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/zmnotify/pkg/geom"
)

// Intersections smaller than this are treated as no overlap
const intersectionDiscardedThreshold = 1e-6

// Filter runs the DetectionFilter over the detections of one frame, annotating every
// rejected detection with the reason. The checks run in a fixed order, and stop at
// the first rejection.
//
// alarmBox and the detections must be in display orientation. frameWidth and frameHeight
// are the native size of the frame.
//
// Returns the frame score, which is the highest confidence of the accepted detections.
func (p *MonitorPolicy) Filter(detections []Detection, alarmBox *geom.Rect, frameWidth, frameHeight int) float32 {
	nearby := []int{}
	for i := range detections {
		d := &detections[i]
		d.DiscardReasons = nil
		if p.index != nil {
			nearby = p.index.SearchFast(int32(d.Box.Left), int32(d.Box.Top), int32(d.Box.Right), int32(d.Box.Bottom), nearby)
		} else {
			nearby = nearby[:0]
		}
		p.filterOne(d, alarmBox, frameWidth, frameHeight, nearby)
	}
	return frameScore(detections)
}

func (p *MonitorPolicy) filterOne(d *Detection, alarmBox *geom.Rect, frameWidth, frameHeight int, nearby []int) {
	if !p.labels[d.Label] {
		d.reject("wrong label %v", d.Label)
		return
	}
	if !p.motionCheck(d, alarmBox) {
		d.reject("score insufficient")
		return
	}

	// Check candidates in the order points, polygons, zones
	sort.Slice(nearby, func(i, j int) bool {
		a, b := p.indexItems[nearby[i]], p.indexItems[nearby[j]]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.idx < b.idx
	})
	for _, n := range nearby {
		item := p.indexItems[n]
		switch item.kind {
		case excludedPoint:
			if pt := p.ExcludedPoints[item.idx]; d.Box.Contains(pt) {
				d.reject("%v contains excluded point %v", d.Box, pt)
				return
			}
		case excludedPolygon:
			if d.Box.IntersectsPolygon(p.ExcludedPolygons[item.idx]) {
				d.reject("intersects excluded polygon")
				return
			}
		case excludedZone:
			if z := &p.Zones[item.idx]; d.Box.IntersectsPolygon(z.Polygon) {
				d.reject("intersects excluded zone %v", z.Name)
				return
			}
		}
	}

	frameArea := float32(frameWidth) * float32(frameHeight)
	if frameArea > 0 {
		pct := float32(d.Box.Area()) / frameArea * 100
		if pct < p.MinBoxAreaPercentage || pct > p.MaxBoxAreaPercentage {
			d.reject("detection box covers %.2f%% of the frame, outside of [%v, %v]", pct, p.MinBoxAreaPercentage, p.MaxBoxAreaPercentage)
			return
		}
	}
}

// motionCheck implements the three acceptance tiers. The tiers are alternatives,
// so a detection is accepted if any enabled tier accepts it.
func (p *MonitorPolicy) motionCheck(d *Detection, alarmBox *geom.Rect) bool {
	score := d.Confidence
	if p.MovementIndifferentMinScore != nil && score >= *p.MovementIndifferentMinScore {
		return true
	}
	if alarmBox == nil {
		return false
	}
	intersection := float32(alarmBox.IntersectionArea(d.Box))
	if intersection <= intersectionDiscardedThreshold {
		return false
	}
	if p.CoarseMovementMinScore != nil && score >= *p.CoarseMovementMinScore {
		return true
	}
	if p.PreciseMovementMinScore != nil && score >= *p.PreciseMovementMinScore {
		alarmDiff := geom.RelativeDifference(float32(alarmBox.Area()), intersection)
		detectDiff := geom.RelativeDifference(float32(d.Box.Area()), intersection)
		if alarmDiff < p.MaxAlarmToIntersectDiff && detectDiff < p.MaxDetectToIntersectDiff {
			return true
		}
	}
	return false
}

// frameScore is the highest confidence of the accepted detections
func frameScore(detections []Detection) float32 {
	score := float32(0)
	for i := range detections {
		if detections[i].Accepted() {
			score = math32.Max(score, detections[i].Confidence)
		}
	}
	return score
}
