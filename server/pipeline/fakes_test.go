package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifications"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/stretchr/testify/require"
)

const testFramePath = "/events/{eventId}/{frameId}.jpg"

func f32(v float32) *float32 {
	return &v
}

func det(label string, score float32, x1, y1, x2, y2 int) Detection {
	return Detection{
		ObjectDetection: nn.ObjectDetection{
			Class:      -1,
			Label:      label,
			Confidence: score,
			Box:        geom.NewRect(x1, y1, x2, y2),
		},
	}
}

func testConfig(monitor *config.MonitorConfig) *config.Config {
	cfg := &config.Config{
		Monitors: map[string]*config.MonitorConfig{},
	}
	cfg.ZM.FrameImagePath = testFramePath
	cfg.Mail.Backend = config.MailBackendArchive
	cfg.SetDefaults()
	if monitor != nil {
		cfg.Monitors["1"] = monitor
	}
	return cfg
}

var testMonitors = []zm.Monitor{{ID: 1, Name: "Front", Width: 1000, Height: 1000}}

func testSettings(t *testing.T, cfg *config.Config, zones []zm.Zone) *SettingsHolder {
	s, err := NewSettings(logs.NewTestingLog(t), cfg, testMonitors, zones)
	require.NoError(t, err)
	return NewSettingsHolder(s)
}

func testPolicy(t *testing.T, monitor *config.MonitorConfig, zones []zm.Zone) *MonitorPolicy {
	return testSettings(t, testConfig(monitor), zones).Current().Policy(1, 1000, 1000)
}

func zmTime(t time.Time) string {
	return t.Format(zm.TimeFormat)
}

func alarmFrame(eventID, frameID int64, at time.Time) zm.Frame {
	return zm.Frame{
		ID:        eventID*1000 + frameID,
		EventID:   eventID,
		FrameID:   frameID,
		Type:      zm.FrameTypeAlarm,
		TimeStamp: zmTime(at),
	}
}

func closedEvent(id int64, start time.Time) zm.Event {
	end := zmTime(start.Add(10 * time.Second))
	return zm.Event{
		ID:        id,
		MonitorID: 1,
		Name:      fmt.Sprintf("Event-%v", id),
		Cause:     "Motion",
		StartTime: zmTime(start),
		EndTime:   &end,
		Width:     1000,
		Height:    1000,
	}
}

func newTestEvent(id int64) *EventInfo {
	ev := closedEvent(id, time.Now().Add(-time.Minute))
	return NewEventInfo(&ev, "Front")
}

func scoredFrame(ev *EventInfo, frameID int64, score float32) *FrameInfo {
	d := det("person", score, 100, 100, 300, 300)
	return &FrameInfo{
		FrameID:    frameID,
		EventID:    ev.ID,
		MonitorID:  ev.MonitorID,
		Event:      ev,
		Frame:      alarmFrame(ev.ID, frameID, time.Now()),
		Image:      image.NewRGBA(image.Rect(0, 0, 100, 100)),
		Detections: []Detection{d},
		Score:      score,
	}
}

type fakeSource struct {
	lock         sync.Mutex
	events       map[int64]*zm.EventDetails
	err          error
	panicking    bool
	listCalls    atomic.Int64
	detailsCalls atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: map[int64]*zm.EventDetails{}}
}

func (f *fakeSource) add(ev zm.Event, frames ...zm.Frame) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.events[ev.ID] = &zm.EventDetails{
		Event:   ev,
		Frames:  frames,
		Monitor: testMonitors[0],
	}
}

func (f *fakeSource) ListEvents(ctx context.Context, since time.Time) ([]zm.Event, error) {
	f.listCalls.Add(1)
	if f.panicking {
		panic("source exploded")
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []zm.Event{}
	for _, d := range f.events {
		out = append(out, d.Event)
	}
	return out, nil
}

func (f *fakeSource) EventDetails(ctx context.Context, eventID int64) (*zm.EventDetails, error) {
	f.detailsCalls.Add(1)
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := f.events[eventID]
	if d == nil {
		return nil, zm.ErrNotFound
	}
	c := *d
	c.Frames = append([]zm.Frame{}, d.Frames...)
	return &c, nil
}

// taggedImage lets the fake detector know which frame it is looking at
type taggedImage struct {
	*image.RGBA
	frameID int64
}

type fakeImages struct {
	missing map[int64]bool
}

func (f *fakeImages) ReadImage(path string) (image.Image, error) {
	var eventID, frameID int64
	if _, err := fmt.Sscanf(path, "/events/%d/%d.jpg", &eventID, &frameID); err != nil {
		return nil, err
	}
	if f.missing[frameID] {
		return nil, errors.New("no such file")
	}
	return &taggedImage{RGBA: image.NewRGBA(image.Rect(0, 0, 1000, 1000)), frameID: frameID}, nil
}

type fakeDetector struct {
	lock     sync.Mutex
	byFrame  map[int64][]nn.ObjectDetection
	fallback []nn.ObjectDetection // Returned for images that have lost their tag, eg after rotation
	err      error
	calls    int
}

func (f *fakeDetector) DetectObjects(ctx context.Context, img image.Image) ([]nn.ObjectDetection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if t, ok := img.(*taggedImage); ok {
		return f.byFrame[t.frameID], nil
	}
	return f.fallback, nil
}

func (f *fakeDetector) Calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

func (f *fakeDetector) Close() {}

func person(score float32) []nn.ObjectDetection {
	return []nn.ObjectDetection{{Class: 0, Label: "person", Confidence: score, Box: geom.NewRect(100, 100, 300, 300)}}
}

type fakeAlarms struct {
	box *geom.Rect
	err error
}

func (f *fakeAlarms) ReadAlarmBox(ctx context.Context, eventID, frameID int64, excludedZonePrefix string) (*geom.Rect, error) {
	return f.box, f.err
}

type fakeSender struct {
	lock     sync.Mutex
	sent     []*notifications.Notification
	attempts int
	failures int // Fail this many times before succeeding
}

func (f *fakeSender) Name() string {
	return "fake"
}

func (f *fakeSender) Send(ctx context.Context, n *notifications.Notification) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("mail server unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSender) Sent() []*notifications.Notification {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*notifications.Notification{}, f.sent...)
}

type fakeHistory struct {
	lock    sync.Mutex
	records map[int64]*notifydb.Notification
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: map[int64]*notifydb.Notification{}}
}

func (f *fakeHistory) WasNotified(eventID int64) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.records[eventID] != nil, nil
}

func (f *fakeHistory) Add(rec *notifydb.Notification) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.records[rec.EventID] != nil {
		return fmt.Errorf("Event %v already notified", rec.EventID)
	}
	rec.ID = fmt.Sprintf("rec-%v", rec.EventID)
	f.records[rec.EventID] = rec
	return nil
}

func (f *fakeHistory) Len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.records)
}

type fakeDetectorMonitor struct {
	pending time.Duration
}

func (f *fakeDetectorMonitor) PendingDuration() time.Duration {
	return f.pending
}

// runWorker starts a worker, and returns a function that stops it and waits for it to exit
func runWorker(run func(stop <-chan struct{})) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(stop)
	}()
	return func() {
		close(stop)
		<-done
	}
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New()
}
