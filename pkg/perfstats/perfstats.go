// Package perfstats holds cheap counters for measuring how long things take
package perfstats

import (
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took.
// Not thread safe.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// UpdateMovingAverage folds value into an exponential moving average with a window of roughly 64 samples.
// This is safe to call from multiple goroutines, but a concurrent sample may occasionally be lost,
// which is fine for sampled stats.
func UpdateMovingAverage(stat *atomic.Int64, value int64) {
	old := stat.Load()
	if old == 0 {
		stat.Store(value)
	} else {
		stat.Store((old*63 + value) >> 6)
	}
}
