package pipeline

import (
	"context"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/zm"
)

// Reader polls ZoneMinder for events, and queues their settled alarm frames for processing
type Reader struct {
	log      logs.Log
	settings *SettingsHolder
	source   EventSource
	history  NotifiedHistory
	cache    *EventCache
	frames   chan<- *FrameInfo
	notify   chan<- *EventInfo
	metrics  *metrics.Metrics
	now      func() time.Time
	errors   logThrottle
}

func NewReader(log logs.Log, settings *SettingsHolder, source EventSource, history NotifiedHistory, cache *EventCache,
	frames chan<- *FrameInfo, notify chan<- *EventInfo, m *metrics.Metrics) *Reader {
	return &Reader{
		log:      log,
		settings: settings,
		source:   source,
		history:  history,
		cache:    cache,
		frames:   frames,
		notify:   notify,
		metrics:  m,
		now:      time.Now,
	}
}

// Run polls until stop is closed.
// The loop is self-paced: every iteration starts eventLoopSeconds after the previous one started.
func (r *Reader) Run(stop <-chan struct{}) {
	ctx, cancel := contextFromStop(stop)
	defer cancel()

	r.log.Infof("Event reader started")
	for {
		start := time.Now()
		s := r.settings.Current()
		r.readOnce(ctx, stop, s)
		if n := r.cache.Sweep(); n != 0 {
			r.metrics.EventsEvicted.Add(uint64(n))
			r.log.Debugf("Evicted %v events from cache", n)
		}

		pause := max(s.Config.Timings.EventLoop()-time.Since(start), 0)
		select {
		case <-stop:
			r.log.Infof("Event reader stopped")
			return
		case <-time.After(pause):
		}
	}
}

// readOnce performs a single poll of ZoneMinder
func (r *Reader) readOnce(ctx context.Context, stop <-chan struct{}, s *Settings) {
	cfg := s.Config
	debugIDs := cfg.Debug.EventIDs
	events := []zm.Event{}
	// Debug mode fetches the details up front, so readEvent doesn't need to fetch them again
	prefetched := map[int64]*zm.EventDetails{}
	if len(debugIDs) != 0 {
		for _, id := range debugIDs {
			details, err := r.source.EventDetails(ctx, id)
			if err != nil {
				r.sourceError("Failed to read debug event %v: %v", id, err)
				continue
			}
			events = append(events, details.Event)
			prefetched[id] = details
		}
	} else {
		var err error
		events, err = r.source.ListEvents(ctx, r.now().Add(-cfg.Timings.EventsWindow()))
		if err != nil {
			r.sourceError("Failed to list events: %v", err)
			return
		}
	}

	for i := range events {
		select {
		case <-stop:
			return
		default:
		}
		r.readEvent(ctx, stop, s, &events[i], prefetched[events[i].ID], len(debugIDs) != 0)
	}
}

func (r *Reader) sourceError(format string, args ...any) {
	r.metrics.SourceErrors.Add(1)
	r.errors.Warnf(r.log, format, args...)
}

func (r *Reader) readEvent(ctx context.Context, stop <-chan struct{}, s *Settings, listed *zm.Event, details *zm.EventDetails, debugMode bool) {
	cfg := s.Config
	info, created := r.cache.GetOrCreate(listed.ID, func() *EventInfo {
		return NewEventInfo(listed, s.MonitorName(listed.MonitorID))
	})
	if created {
		r.metrics.EventsSeen.Add(1)
		r.log.Debugf("New event %v on monitor %v", listed.ID, listed.MonitorID)
	}
	if info.isFinished() {
		return
	}
	if !debugMode {
		if listed.Emailed {
			return
		}
		if notified, err := r.history.WasNotified(listed.ID); err != nil {
			r.log.Warnf("Failed to check notification history of event %v: %v", listed.ID, err)
		} else if notified {
			return
		}
	}

	if details == nil {
		var err error
		details, err = r.source.EventDetails(ctx, listed.ID)
		if err != nil {
			r.sourceError("Failed to read frames of event %v: %v", listed.ID, err)
			return
		}
	}
	info.update(&details.Event, details.Monitor.Name)
	ev := info.Event()

	now := r.now()
	frameReadDelay := cfg.Timings.FrameReadDelay()
	deferred := 0
	for _, fr := range details.Frames {
		if !fr.IsAlarm() || info.isRetrieved(fr.FrameID) {
			continue
		}
		// Give ZoneMinder time to write the frame's motion stats
		if t, err := fr.Time(); err == nil && now.Sub(t) < frameReadDelay {
			deferred++
			continue
		}
		info.markRetrieved(fr.FrameID)
		frame := &FrameInfo{
			FrameID:   fr.FrameID,
			EventID:   info.ID,
			MonitorID: info.MonitorID,
			Event:     info,
			Frame:     fr,
			ImagePath: zm.FrameImagePath(cfg.ZM.FrameImagePath, &ev, fr.FrameID),
		}
		select {
		case r.frames <- frame:
			r.metrics.FramesQueued.Add(1)
		case <-stop:
			return
		}
	}

	if deferred == 0 && ev.Closed() {
		if info.setAllFramesRead() {
			// Collapse the scheduler's wait, because no more frames will arrive
			select {
			case r.notify <- info:
			case <-stop:
			}
		}
		r.log.Debugf("All frames of event %v have been read", info.ID)
	}
}

// contextFromStop returns a context that is cancelled when stop is closed
func contextFromStop(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
