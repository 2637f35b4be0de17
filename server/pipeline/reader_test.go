package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/stretchr/testify/require"
)

type readerTest struct {
	reader   *Reader
	settings *SettingsHolder
	source   *fakeSource
	history  *fakeHistory
	cache    *EventCache
	frames   chan *FrameInfo
	notify   chan *EventInfo
	metrics  *metrics.Metrics
	stop     chan struct{}
}

func newReaderTest(t *testing.T, cfg *config.Config) *readerTest {
	rt := &readerTest{
		settings: testSettings(t, cfg, nil),
		source:   newFakeSource(),
		history:  newFakeHistory(),
		cache:    NewEventCache(cfg.Timings.CacheExpiry()),
		frames:   make(chan *FrameInfo, 20),
		notify:   make(chan *EventInfo, 10),
		metrics:  newTestMetrics(),
		stop:     make(chan struct{}),
	}
	rt.reader = NewReader(logs.NewTestingLog(t), rt.settings, rt.source, rt.history, rt.cache, rt.frames, rt.notify, rt.metrics)
	return rt
}

func (rt *readerTest) readOnce() {
	rt.reader.readOnce(context.Background(), rt.stop, rt.settings.Current())
}

func (rt *readerTest) queuedFrameIDs() []int64 {
	ids := []int64{}
	for len(rt.frames) != 0 {
		ids = append(ids, (<-rt.frames).FrameID)
	}
	return ids
}

func TestReaderDefersYoungFrames(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	now := time.Now()
	ev := closedEvent(1, now.Add(-time.Minute))
	normal := alarmFrame(1, 2, now.Add(-time.Minute))
	normal.Type = "Normal"
	rt.source.add(ev,
		alarmFrame(1, 1, now.Add(-time.Minute)),
		normal,
		alarmFrame(1, 3, now), // Too fresh, ZoneMinder may not have written its stats yet
	)

	rt.readOnce()
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())
	info := rt.cache.Get(1)
	require.NotNil(t, info)
	require.False(t, info.AllFramesRead())

	// A processor accepts frame 1
	info.addCandidate(scoredFrame(info, 1, 0.7), 1, time.Now())

	// Later, frame 3 has settled
	rt.reader.now = func() time.Time { return now.Add(10 * time.Second) }
	rt.readOnce()
	require.Equal(t, []int64{3}, rt.queuedFrameIDs())
	require.True(t, info.AllFramesRead())
	// The event was waiting in the scheduler, so it is pushed again
	require.Len(t, rt.notify, 1)

	// Nothing more to do for this event
	rt.readOnce()
	require.Len(t, rt.frames, 0)
	require.Equal(t, uint64(2), rt.metrics.FramesQueued.Load())
	require.Equal(t, uint64(1), rt.metrics.EventsSeen.Load())
}

func TestReaderOpenEvent(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	now := time.Now()
	ev := closedEvent(1, now.Add(-time.Minute))
	ev.EndTime = nil
	rt.source.add(ev, alarmFrame(1, 1, now.Add(-time.Minute)))

	rt.readOnce()
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())
	require.False(t, rt.cache.Get(1).AllFramesRead())

	// ZoneMinder closes the event and appends another frame
	end := zmTime(now)
	ev.EndTime = &end
	rt.source.add(ev, alarmFrame(1, 1, now.Add(-time.Minute)), alarmFrame(1, 2, now.Add(-30*time.Second)))
	rt.readOnce()
	require.Equal(t, []int64{2}, rt.queuedFrameIDs())
	require.True(t, rt.cache.Get(1).AllFramesRead())
}

func TestReaderSkipsNotifiedEvents(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	now := time.Now()

	emailed := closedEvent(1, now.Add(-time.Minute))
	emailed.Emailed = true
	rt.source.add(emailed, alarmFrame(1, 1, now.Add(-time.Minute)))

	rt.source.add(closedEvent(2, now.Add(-time.Minute)), alarmFrame(2, 1, now.Add(-time.Minute)))
	require.NoError(t, rt.history.Add(&notifydb.Notification{EventID: 2}))

	rt.source.add(closedEvent(3, now.Add(-time.Minute)), alarmFrame(3, 1, now.Add(-time.Minute)))

	rt.readOnce()
	frames := []*FrameInfo{}
	for len(rt.frames) != 0 {
		frames = append(frames, <-rt.frames)
	}
	require.Len(t, frames, 1)
	require.Equal(t, int64(3), frames[0].EventID)
	require.Equal(t, "/events/3/1.jpg", frames[0].ImagePath)
	require.Equal(t, "Front", frames[0].Event.MonitorName())
}

func TestReaderDebugEvents(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Debug.EventIDs = []int64{1}
	rt := newReaderTest(t, cfg)
	now := time.Now()

	// Debug mode ignores the Emailed flag, and only looks at the listed events
	emailed := closedEvent(1, now.Add(-time.Minute))
	emailed.Emailed = true
	rt.source.add(emailed, alarmFrame(1, 1, now.Add(-time.Minute)))
	rt.source.add(closedEvent(2, now.Add(-time.Minute)), alarmFrame(2, 1, now.Add(-time.Minute)))

	rt.readOnce()
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())
	require.Equal(t, int64(0), rt.source.listCalls.Load())
	require.Equal(t, int64(1), rt.source.detailsCalls.Load())
}

func TestReaderSourceErrors(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	rt.source.err = errors.New("connection refused")
	rt.readOnce()
	rt.readOnce()
	require.Equal(t, uint64(2), rt.metrics.SourceErrors.Load())
	require.Equal(t, 0, rt.cache.Len())

	rt.source.err = nil
	rt.source.add(closedEvent(1, time.Now().Add(-time.Minute)), alarmFrame(1, 1, time.Now().Add(-time.Minute)))
	rt.readOnce()
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())
}

func TestReaderRecreatesExpiredEvents(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	now := time.Now()
	rt.cache.now = func() time.Time { return now }
	rt.source.add(closedEvent(1, now.Add(-time.Minute)), alarmFrame(1, 1, now.Add(-time.Minute)))

	rt.readOnce()
	first := rt.cache.Get(1)
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())

	// Once the record has expired, the event is treated as brand new
	now = now.Add(rt.settings.Current().Config.Timings.CacheExpiry() + time.Second)
	rt.readOnce()
	require.NotSame(t, first, rt.cache.Get(1))
	require.Equal(t, []int64{1}, rt.queuedFrameIDs())
	require.Equal(t, uint64(2), rt.metrics.EventsSeen.Load())
}

func TestReaderRun(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	rt.source.add(closedEvent(1, time.Now().Add(-time.Minute)), alarmFrame(1, 1, time.Now().Add(-time.Minute)))
	stop := runWorker(rt.reader.Run)
	require.Eventually(t, func() bool { return len(rt.frames) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestReaderEventMonitorFallback(t *testing.T) {
	rt := newReaderTest(t, testConfig(nil))
	ev := closedEvent(1, time.Now().Add(-time.Minute))
	ev.MonitorID = 42
	rt.source.add(ev)
	rt.source.events[1].Monitor = zm.Monitor{}
	rt.readOnce()
	require.Equal(t, "42", rt.cache.Get(1).MonitorName())
}
