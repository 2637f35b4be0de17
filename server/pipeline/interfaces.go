// Package pipeline turns ZoneMinder motion events into at most one notification per event.
//
// Data flows from the Reader (polls ZoneMinder for events and settled alarm frames),
// through a pool of Processors (object detection and the DetectionFilter),
// to the Scheduler (waits for the best frame, then sends a single notification).
// The Controller starts these goroutines and shuts everything down if one of them dies,
// or if the detector hangs.
package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/zm"
)

// EventSource lists ZoneMinder events and their frames
type EventSource interface {
	ListEvents(ctx context.Context, since time.Time) ([]zm.Event, error)
	EventDetails(ctx context.Context, eventID int64) (*zm.EventDetails, error)
}

type ImageReader interface {
	ReadImage(path string) (image.Image, error)
}

// AlarmBoxReader returns the union of ZoneMinder's motion boxes for a frame, in native coordinates.
// Returns nil if there is no motion data.
type AlarmBoxReader interface {
	ReadAlarmBox(ctx context.Context, eventID, frameID int64, excludedZonePrefix string) (*geom.Rect, error)
}

// ZoneReader returns the ZoneMinder zones that are used as exclusion polygons
type ZoneReader interface {
	ReadZones(ctx context.Context, excludedZonePrefix string) ([]zm.Zone, error)
}

type MonitorReader interface {
	ReadMonitors(ctx context.Context) ([]zm.Monitor, error)
}

// NotifiedHistory remembers which events we have already notified, across restarts
type NotifiedHistory interface {
	WasNotified(eventID int64) (bool, error)
	Add(rec *notifydb.Notification) error
}

// DetectorMonitor reports on the detector's in-flight call
type DetectorMonitor interface {
	PendingDuration() time.Duration
}
