// Package metrics exposes pipeline counters to Prometheus
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's counters.
// All fields are safe to update from any goroutine.
type Metrics struct {
	EventsSeen         atomic.Uint64
	FramesQueued       atomic.Uint64
	FramesProcessed    atomic.Uint64
	FramesDiscarded    atomic.Uint64 // Frames of events that were already being notified
	FramesAccepted     atomic.Uint64 // Frames with at least one accepted detection
	DetectionsAccepted atomic.Uint64
	DetectionsRejected atomic.Uint64
	ImageReadErrors    atomic.Uint64
	DetectorErrors     atomic.Uint64
	SourceErrors       atomic.Uint64 // ZoneMinder API and database errors
	NotificationsSent  atomic.Uint64
	NotificationErrors atomic.Uint64
	EventsEvicted      atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerCounters()
	return m
}

func (m *Metrics) registerCounters() {
	counters := []struct {
		name  string
		help  string
		value *atomic.Uint64
	}{
		{"zmnotify_events_seen_total", "Events first seen in the ZoneMinder event list", &m.EventsSeen},
		{"zmnotify_frames_queued_total", "Alarm frames queued for object detection", &m.FramesQueued},
		{"zmnotify_frames_processed_total", "Frames that went through object detection", &m.FramesProcessed},
		{"zmnotify_frames_discarded_total", "Frames dropped because their event was already being notified", &m.FramesDiscarded},
		{"zmnotify_frames_accepted_total", "Frames with at least one accepted detection", &m.FramesAccepted},
		{"zmnotify_detections_accepted_total", "Detections accepted by the detection filter", &m.DetectionsAccepted},
		{"zmnotify_detections_rejected_total", "Detections rejected by the detection filter", &m.DetectionsRejected},
		{"zmnotify_image_read_errors_total", "Frame images that could not be read", &m.ImageReadErrors},
		{"zmnotify_detector_errors_total", "Failed object detector calls", &m.DetectorErrors},
		{"zmnotify_source_errors_total", "Failed ZoneMinder API or database calls", &m.SourceErrors},
		{"zmnotify_notifications_sent_total", "Notifications delivered", &m.NotificationsSent},
		{"zmnotify_notification_errors_total", "Failed notification attempts", &m.NotificationErrors},
		{"zmnotify_events_evicted_total", "Events evicted from the event cache", &m.EventsEvicted},
	}
	for _, c := range counters {
		value := c.value
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: c.name,
				Help: c.help,
			},
			func() float64 { return float64(value.Load()) },
		))
	}
}

// AddGauge registers a gauge whose value is sampled at scrape time
func (m *Metrics) AddGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		fn,
	))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
