package pipeline

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

const errorLogInterval = 15 * time.Second

// logThrottle limits a repeating error to one log line per interval
type logThrottle struct {
	lock       sync.Mutex
	lastErrAt  time.Time
	suppressed int
}

func (t *logThrottle) Warnf(log logs.Log, format string, args ...any) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if time.Since(t.lastErrAt) < errorLogInterval {
		t.suppressed++
		return
	}
	if t.suppressed != 0 {
		log.Warnf("(%v similar errors suppressed)", t.suppressed)
		t.suppressed = 0
	}
	log.Warnf(format, args...)
	t.lastErrAt = time.Now()
}
