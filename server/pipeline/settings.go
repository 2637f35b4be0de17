package pipeline

import (
	"context"
	"strconv"
	"sync/atomic"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/notifications"
	"github.com/cyclopcam/zmnotify/server/zm"
)

// Settings is an immutable snapshot of everything that a unit of work needs to know
// about the configuration. A new Settings is built whenever the config is reloaded.
type Settings struct {
	Config    *config.Config
	Formatter *notifications.Formatter
	Monitors  map[int64]zm.Monitor
	Zones     []zm.Zone
	policies  map[int64]*MonitorPolicy
}

// LoadSettings reads the monitors and exclusion zones from ZoneMinder, and builds a settings snapshot
func LoadSettings(ctx context.Context, log logs.Log, cfg *config.Config, monitors MonitorReader, zones ZoneReader) (*Settings, error) {
	mons, err := monitors.ReadMonitors(ctx)
	if err != nil {
		return nil, err
	}
	zs, err := zones.ReadZones(ctx, cfg.DetectionFilter.ExcludedZonePrefix)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %v monitors and %v exclusion zones from ZoneMinder", len(mons), len(zs))
	return NewSettings(log, cfg, mons, zs)
}

// NewSettings resolves the per-monitor policies of every known monitor
func NewSettings(log logs.Log, cfg *config.Config, monitors []zm.Monitor, zones []zm.Zone) (*Settings, error) {
	formatter, err := notifications.NewFormatter(cfg.Mail.Subject, cfg.Mail.Message)
	if err != nil {
		return nil, err
	}
	s := &Settings{
		Config:    cfg,
		Formatter: formatter,
		Monitors:  map[int64]zm.Monitor{},
		Zones:     zones,
		policies:  map[int64]*MonitorPolicy{},
	}
	for _, m := range monitors {
		s.Monitors[m.ID] = m
	}
	for _, m := range monitors {
		s.policies[m.ID] = s.buildPolicy(log, m.ID, m.Name, m.Width, m.Height)
	}
	return s, nil
}

// MonitorName returns the ZoneMinder name of a monitor, or its ID if we don't know the monitor
func (s *Settings) MonitorName(monitorID int64) string {
	if m, ok := s.Monitors[monitorID]; ok && m.Name != "" {
		return m.Name
	}
	return strconv.FormatInt(monitorID, 10)
}

// Policy returns the detection policy of a monitor, for frames of the given native size.
// Monitors that appeared after the snapshot was built get a policy built on the fly.
func (s *Settings) Policy(monitorID int64, width, height int) *MonitorPolicy {
	if p := s.policies[monitorID]; p != nil && (width == 0 || (p.Width == width && p.Height == height)) {
		return p
	}
	name := ""
	if m, ok := s.Monitors[monitorID]; ok {
		name = m.Name
	}
	return s.buildPolicy(nil, monitorID, name, width, height)
}

const (
	excludedPoint = iota
	excludedPolygon
	excludedZone
)

type indexItem struct {
	kind int
	idx  int
}

type excludedZonePolygon struct {
	Name    string
	Polygon geom.Polygon // In display orientation
}

// MonitorPolicy is the resolved detection policy of one monitor
type MonitorPolicy struct {
	MonitorID   int64
	MonitorName string
	Width       int // Native frame size
	Height      int
	config.MonitorSettings
	Rotation *geom.Rotation // nil if the monitor is not rotated
	Zones    []excludedZonePolygon

	labels     map[string]bool
	index      *flatbush.Flatbush[int32] // Excluded points, polygons and zones. nil if there are none.
	indexItems []indexItem
}

func (s *Settings) buildPolicy(log logs.Log, monitorID int64, name string, width, height int) *MonitorPolicy {
	cfg := s.Config
	p := &MonitorPolicy{
		MonitorID:       monitorID,
		MonitorName:     name,
		Width:           width,
		Height:          height,
		MonitorSettings: cfg.ResolveMonitor(monitorID, name),
		labels:          map[string]bool{},
	}
	for _, l := range p.ObjectLabels {
		p.labels[l] = true
	}
	if p.Rotate != 0 && width != 0 && height != 0 {
		p.Rotation = geom.NewRotation(width, height, p.Rotate)
	}

	for _, z := range s.Zones {
		if z.MonitorID != monitorID {
			continue
		}
		points, err := geom.ParsePoints(z.Coords)
		if err != nil || len(points) < 3 {
			if log != nil {
				log.Warnf("Ignoring zone '%v' of monitor %v with invalid coordinates '%v'", z.Name, monitorID, z.Coords)
			}
			continue
		}
		rot := p.Rotation
		if p.Rotate != 0 && (rot == nil || z.MonitorWidth != width || z.MonitorHeight != height) {
			rot = geom.NewRotation(z.MonitorWidth, z.MonitorHeight, p.Rotate)
		}
		p.Zones = append(p.Zones, excludedZonePolygon{
			Name:    z.Name,
			Polygon: rot.TransformPolygon(geom.Polygon(points)),
		})
	}

	p.buildIndex()
	return p
}

func (p *MonitorPolicy) buildIndex() {
	n := len(p.ExcludedPoints) + len(p.ExcludedPolygons) + len(p.Zones)
	if n == 0 {
		return
	}
	p.index = flatbush.NewFlatbush[int32]()
	p.index.Reserve(n)
	add := func(kind, idx int, r geom.Rect) {
		p.index.Add(int32(r.Left), int32(r.Top), int32(r.Right), int32(r.Bottom))
		p.indexItems = append(p.indexItems, indexItem{kind: kind, idx: idx})
	}
	for i, pt := range p.ExcludedPoints {
		add(excludedPoint, i, geom.Rect{Left: pt.X, Top: pt.Y, Right: pt.X, Bottom: pt.Y})
	}
	for i, poly := range p.ExcludedPolygons {
		add(excludedPolygon, i, poly.Bounds())
	}
	for i, z := range p.Zones {
		add(excludedZone, i, z.Polygon.Bounds())
	}
	p.index.Finish()
}

// ExclusionPolygons returns the static excluded polygons and the rotated zones, for drawing
func (p *MonitorPolicy) ExclusionPolygons() []geom.Polygon {
	all := make([]geom.Polygon, 0, len(p.ExcludedPolygons)+len(p.Zones))
	all = append(all, p.ExcludedPolygons...)
	for _, z := range p.Zones {
		all = append(all, z.Polygon)
	}
	return all
}

// SettingsHolder publishes the current Settings to all goroutines
type SettingsHolder struct {
	current atomic.Pointer[Settings]
}

func NewSettingsHolder(s *Settings) *SettingsHolder {
	h := &SettingsHolder{}
	h.current.Store(s)
	return h
}

// Current returns the latest snapshot. A unit of work should call this once, and use
// the same snapshot throughout.
func (h *SettingsHolder) Current() *Settings {
	return h.current.Load()
}

func (h *SettingsHolder) Set(s *Settings) {
	h.current.Store(s)
}
