package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/pkg/perfstats"
	"github.com/cyclopcam/zmnotify/server/metrics"
)

// ProcessorStats is shared by all processors
type ProcessorStats struct {
	AvgFrameTimeNS atomic.Int64 // Moving average of the total time spent on one frame
	AvgDetectNS    atomic.Int64 // Moving average of the time spent inside the detector
}

// Processor runs object detection and the DetectionFilter on frames.
// Many processors share a single frame queue.
type Processor struct {
	log      logs.Log
	settings *SettingsHolder
	images   ImageReader
	detector nn.ObjectDetector
	alarms   AlarmBoxReader
	frames   <-chan *FrameInfo
	notify   chan<- *EventInfo
	metrics  *metrics.Metrics
	stats    *ProcessorStats
	now      func() time.Time
	errors   logThrottle
}

func NewProcessor(log logs.Log, settings *SettingsHolder, images ImageReader, detector nn.ObjectDetector, alarms AlarmBoxReader,
	frames <-chan *FrameInfo, notify chan<- *EventInfo, m *metrics.Metrics, stats *ProcessorStats) *Processor {
	return &Processor{
		log:      log,
		settings: settings,
		images:   images,
		detector: detector,
		alarms:   alarms,
		frames:   frames,
		notify:   notify,
		metrics:  m,
		stats:    stats,
		now:      time.Now,
	}
}

// Run processes frames until stop is closed
func (p *Processor) Run(stop <-chan struct{}) {
	ctx, cancel := contextFromStop(stop)
	defer cancel()
	for {
		select {
		case frame := <-p.frames:
			p.process(ctx, stop, frame)
		case <-stop:
			return
		}
	}
}

func (p *Processor) process(ctx context.Context, stop <-chan struct{}, frame *FrameInfo) {
	ev := frame.Event
	if ev.IsSendingOrSent() {
		p.metrics.FramesDiscarded.Add(1)
		return
	}

	start := time.Now()
	s := p.settings.Current()
	width, height := ev.Size()
	policy := s.Policy(ev.MonitorID, width, height)

	if err := p.analyze(ctx, s, policy, frame); err != nil {
		p.errors.Warnf(p.log, "%v", err)
	}
	p.metrics.FramesProcessed.Add(1)
	perfstats.UpdateMovingAverage(&p.stats.AvgFrameTimeNS, time.Since(start).Nanoseconds())

	if frame.Score > 0 {
		p.metrics.FramesAccepted.Add(1)
	}
	p.log.Debugf("Event %v frame %v: score %.2f, %v", ev.ID, frame.FrameID, frame.Score, describeDetections(frame.Detections))

	if ev.addCandidate(frame, policy.MinAcceptedFrames, p.now()) {
		p.log.Infof("Event %v has enough accepted frames, submitting for notification", ev.ID)
		// The event lock has been released by now, so a full queue cannot deadlock other workers
		select {
		case p.notify <- ev:
		case <-stop:
		}
	}
}

// analyze loads, rotates, detects and filters a frame.
// On error the frame is left with a zero score.
func (p *Processor) analyze(ctx context.Context, s *Settings, policy *MonitorPolicy, frame *FrameInfo) error {
	img, err := p.images.ReadImage(frame.ImagePath)
	if err != nil {
		p.metrics.ImageReadErrors.Add(1)
		return fmt.Errorf("Failed to read image of event %v frame %v: %w", frame.EventID, frame.FrameID, err)
	}
	img = policy.Rotation.RotateAndExpand(img)
	frame.Image = img

	detectStart := time.Now()
	objects, err := p.detector.DetectObjects(ctx, img)
	perfstats.UpdateMovingAverage(&p.stats.AvgDetectNS, time.Since(detectStart).Nanoseconds())
	if err != nil {
		p.metrics.DetectorErrors.Add(1)
		return fmt.Errorf("Failed to detect objects in event %v frame %v: %w", frame.EventID, frame.FrameID, err)
	}
	frame.Detections = make([]Detection, len(objects))
	for i := range objects {
		frame.Detections[i].ObjectDetection = objects[i]
	}

	box, err := p.alarms.ReadAlarmBox(ctx, frame.EventID, frame.FrameID, s.Config.DetectionFilter.ExcludedZonePrefix)
	if err != nil {
		// Without a motion box only the indifferent tier can accept a detection
		p.metrics.SourceErrors.Add(1)
		p.log.Warnf("Failed to read alarm box of event %v frame %v: %v", frame.EventID, frame.FrameID, err)
	} else if box != nil {
		rotated := policy.Rotation.TransformRect(*box)
		frame.AlarmBox = &rotated
	}

	width, height := frame.Event.Size()
	frame.Score = policy.Filter(frame.Detections, frame.AlarmBox, width, height)
	for i := range frame.Detections {
		if frame.Detections[i].Accepted() {
			p.metrics.DetectionsAccepted.Add(1)
		} else {
			p.metrics.DetectionsRejected.Add(1)
		}
	}
	return nil
}

func describeDetections(dets []Detection) string {
	if len(dets) == 0 {
		return "no detections"
	}
	s := ""
	for i, d := range dets {
		if i != 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v %.2f %v", d.Label, d.Confidence, d.Box)
		if !d.Accepted() {
			s += fmt.Sprintf(" (rejected: %v)", d.DiscardReasons[0])
		}
	}
	return s
}
