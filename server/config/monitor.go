package config

import (
	"strconv"

	"github.com/cyclopcam/zmnotify/pkg/geom"
)

// DefaultMonitorKey is the entry of Config.Monitors that applies to every monitor
const DefaultMonitorKey = "default"

// MonitorConfig is the per-monitor detection policy.
// Every field is optional. A nil field falls back to the "default" entry,
// and then to the built-in default.
type MonitorConfig struct {
	Rotate                      *float64       `json:"rotate"`                      // Degrees counter-clockwise
	MinAcceptedFrames           *int           `json:"minAcceptedFrames"`           // Accepted frames needed before notifying
	ObjectLabels                []string       `json:"objectLabels"`                // Overrides detectionFilter.objectLabels
	MovementIndifferentMinScore *float32       `json:"movementIndifferentMinScore"` // Accept regardless of motion at this score. Set above 1 to disable.
	CoarseMovementMinScore      *float32       `json:"coarseMovementMinScore"`      // Accept at this score when the motion box overlaps the detection
	PreciseMovementMinScore     *float32       `json:"preciseMovementMinScore"`     // Accept at this score when motion box and detection agree closely
	MaxAlarmToIntersectDiff     *float32       `json:"maxAlarmToIntersectDiff"`     // Percent
	MaxDetectToIntersectDiff    *float32       `json:"maxDetectToIntersectDiff"`    // Percent
	MinBoxAreaPercentage        *float32       `json:"minBoxAreaPercentage"`        // Detection area as a percentage of the frame
	MaxBoxAreaPercentage        *float32       `json:"maxBoxAreaPercentage"`        //
	ExcludedPoints              []geom.Point   `json:"excludedPoints"`              //
	ExcludedPolygons            []geom.Polygon `json:"excludedPolygons"`            //
}

// MonitorSettings is the fully resolved policy of one monitor.
// The movement tier thresholds are nil when the tier is disabled.
type MonitorSettings struct {
	Rotate                      float64
	MinAcceptedFrames           int
	ObjectLabels                []string
	MovementIndifferentMinScore *float32
	CoarseMovementMinScore      *float32
	PreciseMovementMinScore     *float32
	MaxAlarmToIntersectDiff     float32
	MaxDetectToIntersectDiff    float32
	MinBoxAreaPercentage        float32
	MaxBoxAreaPercentage        float32
	ExcludedPoints              []geom.Point
	ExcludedPolygons            []geom.Polygon
}

// pick returns the first non-nil value, searching the most specific config first
func pick[T any](chain []*MonitorConfig, get func(m *MonitorConfig) *T) *T {
	for _, m := range chain {
		if v := get(m); v != nil {
			return v
		}
	}
	return nil
}

func pickSlice[T any](chain []*MonitorConfig, get func(m *MonitorConfig) []T) []T {
	for _, m := range chain {
		if v := get(m); v != nil {
			return v
		}
	}
	return nil
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// MonitorChain returns the configs that apply to a monitor, most specific first:
// the entry keyed by ID, then the entry keyed by name, then "default".
func (c *Config) MonitorChain(monitorID int64, monitorName string) []*MonitorConfig {
	chain := []*MonitorConfig{}
	if m := c.Monitors[strconv.FormatInt(monitorID, 10)]; m != nil {
		chain = append(chain, m)
	}
	if monitorName != "" {
		if m := c.Monitors[monitorName]; m != nil {
			chain = append(chain, m)
		}
	}
	if m := c.Monitors[DefaultMonitorKey]; m != nil {
		chain = append(chain, m)
	}
	return chain
}

// ResolveMonitor computes the effective settings of a monitor
func (c *Config) ResolveMonitor(monitorID int64, monitorName string) MonitorSettings {
	chain := c.MonitorChain(monitorID, monitorName)
	zero := float32(0)
	s := MonitorSettings{
		Rotate:                      valueOr(pick(chain, func(m *MonitorConfig) *float64 { return m.Rotate }), 0),
		MinAcceptedFrames:           valueOr(pick(chain, func(m *MonitorConfig) *int { return m.MinAcceptedFrames }), 1),
		ObjectLabels:                pickSlice(chain, func(m *MonitorConfig) []string { return m.ObjectLabels }),
		MovementIndifferentMinScore: pick(chain, func(m *MonitorConfig) *float32 { return m.MovementIndifferentMinScore }),
		CoarseMovementMinScore:      pick(chain, func(m *MonitorConfig) *float32 { return m.CoarseMovementMinScore }),
		PreciseMovementMinScore:     pick(chain, func(m *MonitorConfig) *float32 { return m.PreciseMovementMinScore }),
		MaxAlarmToIntersectDiff:     valueOr(pick(chain, func(m *MonitorConfig) *float32 { return m.MaxAlarmToIntersectDiff }), 100),
		MaxDetectToIntersectDiff:    valueOr(pick(chain, func(m *MonitorConfig) *float32 { return m.MaxDetectToIntersectDiff }), 100),
		MinBoxAreaPercentage:        valueOr(pick(chain, func(m *MonitorConfig) *float32 { return m.MinBoxAreaPercentage }), 0),
		MaxBoxAreaPercentage:        valueOr(pick(chain, func(m *MonitorConfig) *float32 { return m.MaxBoxAreaPercentage }), 100),
		ExcludedPoints:              pickSlice(chain, func(m *MonitorConfig) []geom.Point { return m.ExcludedPoints }),
		ExcludedPolygons:            pickSlice(chain, func(m *MonitorConfig) []geom.Polygon { return m.ExcludedPolygons }),
	}
	if s.MovementIndifferentMinScore == nil {
		s.MovementIndifferentMinScore = &zero
	}
	if s.ObjectLabels == nil {
		s.ObjectLabels = c.DetectionFilter.ObjectLabels
	}
	return s
}
