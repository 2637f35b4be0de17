package pipeline

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/gen"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifications"
)

// Submitted events waiting for the scheduler
const notifyQueueSize = 100

// How long we wait for workers to exit, before giving up on them
const shutdownTimeout = 10 * time.Second

var ErrWorkerDied = errors.New("Worker died")
var ErrDetectorStuck = errors.New("Detector stuck")

// Deps are the external systems that the pipeline talks to
type Deps struct {
	Source          EventSource
	Images          ImageReader
	Detector        nn.ObjectDetector
	DetectorMonitor DetectorMonitor // Usually the same object as Detector. May be nil.
	Alarms          AlarmBoxReader
	Sender          notifications.Sender
	History         NotifiedHistory
	Metrics         *metrics.Metrics
}

type worker struct {
	name     string
	done     chan struct{}
	panicked any
}

// Controller starts the reader, the processors and the scheduler, and stops
// everything if any of them dies, or if the detector gets stuck.
type Controller struct {
	Log logs.Log

	// Called after every healthy watchdog check (eg to notify systemd)
	OnHealthy func()

	settings  *SettingsHolder
	deps      Deps
	cache     *EventCache
	frames    chan *FrameInfo
	notify    chan *EventInfo
	stats     ProcessorStats
	reader    *Reader
	scheduler *Scheduler
	startedAt time.Time

	workers     []*worker
	stopWorkers chan struct{}
	stopOnce    sync.Once
}

func NewController(log logs.Log, settings *SettingsHolder, deps Deps) *Controller {
	cfg := settings.Current().Config
	c := &Controller{
		Log:         log,
		settings:    settings,
		deps:        deps,
		cache:       NewEventCache(cfg.Timings.CacheExpiry()),
		frames:      make(chan *FrameInfo, cfg.Threading.FrameQueueSize),
		notify:      make(chan *EventInfo, notifyQueueSize),
		stopWorkers: make(chan struct{}),
		startedAt:   time.Now(),
	}
	c.reader = NewReader(logs.NewPrefixLogger(log, "Reader:"), settings, deps.Source, deps.History, c.cache, c.frames, c.notify, deps.Metrics)
	c.scheduler = NewScheduler(logs.NewPrefixLogger(log, "Scheduler:"), settings, deps.Sender, deps.History, c.notify, deps.Metrics)

	m := deps.Metrics
	m.AddGauge("zmnotify_frame_queue_length", "Frames waiting for a processor", func() float64 { return float64(len(c.frames)) })
	m.AddGauge("zmnotify_cached_events", "Events in the event cache", func() float64 { return float64(c.cache.Len()) })
	m.AddGauge("zmnotify_pending_notifications", "Events waiting for notification", func() float64 { return float64(len(c.scheduler.Pending())) })
	m.AddGauge("zmnotify_detect_seconds_avg", "Moving average of detector call duration", func() float64 {
		return time.Duration(c.stats.AvgDetectNS.Load()).Seconds()
	})
	return c
}

// Run starts all workers, and supervises them until stop is closed (returns nil),
// or until something goes wrong (returns an error).
func (c *Controller) Run(stop <-chan struct{}) error {
	cfg := c.settings.Current().Config

	c.start("reader", c.reader.Run)
	for i := 0; i < cfg.Threading.FrameProcessingThreads; i++ {
		name := fmt.Sprintf("processor %v", i+1)
		p := NewProcessor(logs.NewPrefixLogger(c.Log, fmt.Sprintf("Processor %v:", i+1)), c.settings, c.deps.Images, c.deps.Detector,
			c.deps.Alarms, c.frames, c.notify, c.deps.Metrics, &c.stats)
		c.start(name, p.Run)
	}
	c.start("scheduler", c.scheduler.Run)
	c.Log.Infof("Started %v frame processors", cfg.Threading.FrameProcessingThreads)

	ticker := time.NewTicker(cfg.Threading.WatchdogDelay())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			c.Log.Infof("Shutting down")
			c.shutdown()
			return nil
		case <-ticker.C:
			if err := c.check(); err != nil {
				c.Log.Criticalf("%v. Shutting down", err)
				c.shutdown()
				return err
			}
			if c.OnHealthy != nil {
				c.OnHealthy()
			}
		}
	}
}

func (c *Controller) start(name string, run func(stop <-chan struct{})) {
	w := &worker{
		name: name,
		done: make(chan struct{}),
	}
	c.workers = append(c.workers, w)
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.panicked = r
				c.Log.Errorf("Worker %v panicked: %v\n%v", name, r, string(debug.Stack()))
			}
		}()
		run(c.stopWorkers)
	}()
}

// check is the watchdog. Returns an error if the pipeline is no longer healthy.
func (c *Controller) check() error {
	for _, w := range c.workers {
		select {
		case <-w.done:
			if w.panicked != nil {
				return fmt.Errorf("%w: %v panicked: %v", ErrWorkerDied, w.name, w.panicked)
			}
			return fmt.Errorf("%w: %v exited", ErrWorkerDied, w.name)
		default:
		}
	}
	if c.deps.DetectorMonitor != nil {
		limit := c.settings.Current().Config.Threading.DetectorStuck()
		if pending := c.deps.DetectorMonitor.PendingDuration(); pending > limit {
			return fmt.Errorf("%w: a detection has been running for %.0f seconds", ErrDetectorStuck, pending.Seconds())
		}
	}
	return nil
}

func (c *Controller) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopWorkers)
	})
	deadline := time.After(shutdownTimeout)
	for _, w := range c.workers {
		select {
		case <-w.done:
		case <-deadline:
			// A stuck detector call will never return
			c.Log.Warnf("Worker %v did not exit within %v", w.name, shutdownTimeout)
			return
		}
	}
	if abandoned := gen.DrainChannel[*FrameInfo](c.frames); len(abandoned) != 0 {
		c.Log.Infof("Abandoned %v queued frames at shutdown", len(abandoned))
	}
}

// Reload publishes new settings. Workers pick them up on their next unit of work.
// The number of processors and the queue sizes are fixed at startup.
func (c *Controller) Reload(s *Settings) {
	c.settings.Set(s)
	c.cache.SetExpiry(s.Config.Timings.CacheExpiry())
	c.Log.Infof("Settings reloaded")
}

func (c *Controller) Settings() *Settings {
	return c.settings.Current()
}

func (c *Controller) Scheduler() *Scheduler {
	return c.scheduler
}

// Event returns the state of a cached event, or nil
func (c *Controller) Event(id int64) *EventSnapshot {
	ev := c.cache.Get(id)
	if ev == nil {
		return nil
	}
	s := ev.Snapshot()
	return &s
}

// Status is a summary of the pipeline, for the status API
type Status struct {
	StartedAt              time.Time             `json:"startedAt"`
	UptimeSeconds          float64               `json:"uptimeSeconds"`
	CachedEvents           int                   `json:"cachedEvents"`
	PendingNotifications   []PendingNotification `json:"pendingNotifications"`
	FrameQueueLength       int                   `json:"frameQueueLength"`
	FrameQueueCapacity     int                   `json:"frameQueueCapacity"`
	NotifyQueueLength      int                   `json:"notifyQueueLength"`
	DetectorPendingSeconds float64               `json:"detectorPendingSeconds"`
	AvgDetectMS            float64               `json:"avgDetectMS"`
	AvgFrameMS             float64               `json:"avgFrameMS"`
}

func (c *Controller) Status() *Status {
	s := &Status{
		StartedAt:            c.startedAt,
		UptimeSeconds:        time.Since(c.startedAt).Seconds(),
		CachedEvents:         c.cache.Len(),
		PendingNotifications: c.scheduler.Pending(),
		FrameQueueLength:     len(c.frames),
		FrameQueueCapacity:   cap(c.frames),
		NotifyQueueLength:    len(c.notify),
		AvgDetectMS:          float64(c.stats.AvgDetectNS.Load()) / 1e6,
		AvgFrameMS:           float64(c.stats.AvgFrameTimeNS.Load()) / 1e6,
	}
	if c.deps.DetectorMonitor != nil {
		s.DetectorPendingSeconds = c.deps.DetectorMonitor.PendingDuration().Seconds()
	}
	return s
}
