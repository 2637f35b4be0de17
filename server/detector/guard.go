package detector

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/pkg/perfstats"
)

// Guard serializes access to a detector, and keeps track of how long the
// current call has been running, so that a hung detector can be noticed.
type Guard struct {
	detector nn.ObjectDetector
	lock     sync.Mutex

	startedAt   atomic.Int64 // UnixNano of the start of the in-flight call, or 0
	avgDuration atomic.Int64 // Moving average of call duration, in nanoseconds
	numCalls    atomic.Int64
}

func NewGuard(detector nn.ObjectDetector) *Guard {
	return &Guard{
		detector: detector,
	}
}

func (g *Guard) DetectObjects(ctx context.Context, img image.Image) ([]nn.ObjectDetection, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	start := time.Now()
	g.startedAt.Store(start.UnixNano())
	defer g.startedAt.Store(0)

	objects, err := g.detector.DetectObjects(ctx, img)

	perfstats.UpdateMovingAverage(&g.avgDuration, time.Since(start).Nanoseconds())
	g.numCalls.Add(1)
	return objects, err
}

// PendingDuration returns how long the in-flight call has been running, or zero if the detector is idle
func (g *Guard) PendingDuration() time.Duration {
	started := g.startedAt.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

// AverageDuration is a moving average of recent call durations
func (g *Guard) AverageDuration() time.Duration {
	return time.Duration(g.avgDuration.Load())
}

func (g *Guard) NumCalls() int64 {
	return g.numCalls.Load()
}

func (g *Guard) Close() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.detector.Close()
}
