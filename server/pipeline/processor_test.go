package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/stretchr/testify/require"
)

type processorTest struct {
	proc     *Processor
	notify   chan *EventInfo
	metrics  *metrics.Metrics
	detector *fakeDetector
	images   *fakeImages
	alarms   *fakeAlarms
	stop     chan struct{}
}

func newProcessorTest(t *testing.T, monitor *config.MonitorConfig) *processorTest {
	pt := &processorTest{
		notify:   make(chan *EventInfo, 10),
		metrics:  newTestMetrics(),
		detector: &fakeDetector{byFrame: map[int64][]nn.ObjectDetection{}},
		images:   &fakeImages{missing: map[int64]bool{}},
		alarms:   &fakeAlarms{},
		stop:     make(chan struct{}),
	}
	settings := testSettings(t, testConfig(monitor), nil)
	pt.proc = NewProcessor(logs.NewTestingLog(t), settings, pt.images, pt.detector, pt.alarms, nil, pt.notify, pt.metrics, &ProcessorStats{})
	return pt
}

func (pt *processorTest) process(ev *EventInfo, frameID int64) *FrameInfo {
	zev := ev.Event()
	frame := &FrameInfo{
		FrameID:   frameID,
		EventID:   ev.ID,
		MonitorID: ev.MonitorID,
		Event:     ev,
		Frame:     alarmFrame(ev.ID, frameID, time.Now()),
		ImagePath: zm.FrameImagePath(testFramePath, &zev, frameID),
	}
	pt.proc.process(context.Background(), pt.stop, frame)
	return frame
}

func TestProcessorBestFrame(t *testing.T) {
	pt := newProcessorTest(t, nil)
	pt.detector.byFrame[1] = person(0.5)
	pt.detector.byFrame[2] = person(0.9)
	pt.detector.byFrame[3] = person(0.3)

	ev := newTestEvent(1)
	for id := int64(1); id <= 3; id++ {
		pt.process(ev, id)
	}
	require.Len(t, pt.notify, 1)
	require.Same(t, ev, <-pt.notify)
	require.Equal(t, int64(2), ev.beginSending().FrameID)
	require.Equal(t, uint64(3), pt.metrics.FramesProcessed.Load())
	require.Equal(t, uint64(3), pt.metrics.FramesAccepted.Load())
	require.Equal(t, uint64(3), pt.metrics.DetectionsAccepted.Load())
}

func TestProcessorMinAcceptedFrames(t *testing.T) {
	for _, tc := range []struct {
		minAccepted int
		notified    bool
	}{
		{2, true},
		{3, false},
	} {
		minAccepted := tc.minAccepted
		pt := newProcessorTest(t, &config.MonitorConfig{MinAcceptedFrames: &minAccepted})
		pt.detector.byFrame[1] = person(0.8)
		pt.detector.byFrame[2] = []nn.ObjectDetection{{Class: 2, Label: "car", Confidence: 0.95, Box: geom.NewRect(1, 1, 50, 50)}}
		pt.detector.byFrame[3] = person(0.9)

		ev := newTestEvent(1)
		for id := int64(1); id <= 3; id++ {
			pt.process(ev, id)
		}
		require.Equal(t, tc.notified, len(pt.notify) == 1)
		require.Equal(t, uint64(1), pt.metrics.DetectionsRejected.Load())
	}
}

func TestProcessorMissingImage(t *testing.T) {
	pt := newProcessorTest(t, nil)
	pt.detector.byFrame[1] = person(0.9)
	pt.images.missing[1] = true

	ev := newTestEvent(1)
	frame := pt.process(ev, 1)
	require.Equal(t, float32(0), frame.Score)
	require.Nil(t, frame.Image)
	require.Equal(t, 0, pt.detector.Calls())
	require.Equal(t, uint64(1), pt.metrics.ImageReadErrors.Load())
	require.Equal(t, NotificationNone, ev.Status())
	require.Len(t, pt.notify, 0)
}

func TestProcessorDetectorError(t *testing.T) {
	pt := newProcessorTest(t, nil)
	pt.detector.err = errors.New("inference server down")

	ev := newTestEvent(1)
	frame := pt.process(ev, 1)
	require.Equal(t, float32(0), frame.Score)
	require.Nil(t, frame.Image)
	require.Equal(t, uint64(1), pt.metrics.DetectorErrors.Load())
	require.Equal(t, NotificationNone, ev.Status())
}

func TestProcessorDiscardsFramesOfSentEvents(t *testing.T) {
	pt := newProcessorTest(t, nil)
	pt.detector.byFrame[1] = person(0.9)

	ev := newTestEvent(1)
	ev.addCandidate(scoredFrame(ev, 9, 0.5), 1, time.Now())
	ev.beginSending()

	pt.process(ev, 1)
	require.Equal(t, 0, pt.detector.Calls())
	require.Equal(t, uint64(1), pt.metrics.FramesDiscarded.Load())
	require.Equal(t, uint64(0), pt.metrics.FramesProcessed.Load())
}

func TestProcessorRotatesAlarmBox(t *testing.T) {
	rotate := 90.0
	pt := newProcessorTest(t, &config.MonitorConfig{
		Rotate:                      &rotate,
		MovementIndifferentMinScore: f32(0.9),
		CoarseMovementMinScore:      f32(0.5),
	})
	native := geom.NewRect(0, 0, 1, 1)
	pt.alarms.box = &native
	pt.detector.fallback = []nn.ObjectDetection{{Class: 0, Label: "person", Confidence: 0.6, Box: geom.NewRect(0, 999, 1, 1000)}}

	ev := newTestEvent(1)
	frame := pt.process(ev, 1)
	require.NotNil(t, frame.AlarmBox)
	require.Equal(t, geom.NewRect(0, 999, 1, 1000), *frame.AlarmBox)
	require.Equal(t, float32(0.6), frame.Score)
	require.Equal(t, 1000, frame.Image.Bounds().Dx())
	require.Len(t, pt.notify, 1)
}

func TestProcessorAlarmBoxError(t *testing.T) {
	pt := newProcessorTest(t, &config.MonitorConfig{
		MovementIndifferentMinScore: f32(0.9),
		CoarseMovementMinScore:      f32(0.5),
	})
	pt.alarms.err = errors.New("mysql gone")
	pt.detector.byFrame[1] = person(0.6)
	pt.detector.byFrame[2] = person(0.95)

	ev := newTestEvent(1)
	// Without motion data only the indifferent tier can accept
	require.Equal(t, float32(0), pt.process(ev, 1).Score)
	require.Equal(t, float32(0.95), pt.process(ev, 2).Score)
	require.Equal(t, uint64(2), pt.metrics.SourceErrors.Load())
}

func TestProcessorRun(t *testing.T) {
	pt := newProcessorTest(t, nil)
	frames := make(chan *FrameInfo, 10)
	pt.proc.frames = frames
	pt.detector.byFrame[1] = person(0.7)

	stop := runWorker(pt.proc.Run)
	defer stop()

	ev := newTestEvent(1)
	zev := ev.Event()
	frames <- &FrameInfo{FrameID: 1, EventID: 1, MonitorID: 1, Event: ev, Frame: alarmFrame(1, 1, time.Now()), ImagePath: zm.FrameImagePath(testFramePath, &zev, 1)}
	require.Eventually(t, func() bool { return len(pt.notify) == 1 }, 2*time.Second, 5*time.Millisecond)
}
