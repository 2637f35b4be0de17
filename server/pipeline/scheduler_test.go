package pipeline

import (
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/archive"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifications"
	"github.com/stretchr/testify/require"
)

type schedulerTest struct {
	sched   *Scheduler
	inbound chan *EventInfo
	sender  *fakeSender
	history *fakeHistory
	metrics *metrics.Metrics
}

func newSchedulerTest(t *testing.T, notificationDelaySeconds int) *schedulerTest {
	cfg := testConfig(nil)
	cfg.Timings.NotificationDelaySeconds = notificationDelaySeconds
	st := &schedulerTest{
		inbound: make(chan *EventInfo, 10),
		sender:  &fakeSender{},
		history: newFakeHistory(),
		metrics: newTestMetrics(),
	}
	st.sched = NewScheduler(logs.NewTestingLog(t), testSettings(t, cfg, nil), st.sender, st.history, st.inbound, st.metrics)
	st.sched.retryDelay = 10 * time.Millisecond
	return st
}

// submittedEvent returns an event that is ready for the scheduler
func submittedEvent(id int64, allFramesRead bool, scores ...float32) *EventInfo {
	ev := newTestEvent(id)
	for i, s := range scores {
		ev.addCandidate(scoredFrame(ev, int64(i+1), s), 1, time.Now())
	}
	if allFramesRead {
		ev.setAllFramesRead()
	}
	return ev
}

func TestSchedulerSendsBestFrame(t *testing.T) {
	st := newSchedulerTest(t, 0)
	watcher := st.sched.AddWatcher()
	defer st.sched.RemoveWatcher(watcher)
	stop := runWorker(st.sched.Run)
	defer stop()

	ev := submittedEvent(7, true, 0.5, 0.9, 0.3)
	st.inbound <- ev
	require.Eventually(t, func() bool { return len(st.sender.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	n := st.sender.Sent()[0]
	require.Equal(t, int64(7), n.EventID)
	require.Equal(t, int64(2), n.FrameID)
	require.Equal(t, []string{"person"}, n.Labels)
	require.Equal(t, "Front: person detected", n.Subject)
	require.NotEmpty(t, n.Image)
	require.Equal(t, "mailed_7_2.jpg", n.ImageFilename())

	require.Eventually(t, func() bool { return ev.Status() == NotificationSent }, time.Second, 5*time.Millisecond)
	result := <-watcher
	require.Equal(t, int64(7), result.EventID)
	require.Equal(t, "rec-7", result.RecordID)
	require.Equal(t, 1, st.history.Len())
	require.Equal(t, uint64(1), st.metrics.NotificationsSent.Load())
	require.Len(t, st.sched.Recent(), 1)
	require.Len(t, st.sched.Pending(), 0)
}

func TestSchedulerSendsOnce(t *testing.T) {
	st := newSchedulerTest(t, 0)
	stop := runWorker(st.sched.Run)
	defer stop()

	ev := submittedEvent(1, true, 0.8)
	// The processor and the reader can both push the same event
	for i := 0; i < 3; i++ {
		st.inbound <- ev
	}
	require.Eventually(t, func() bool { return ev.Status() == NotificationSent }, 2*time.Second, 5*time.Millisecond)
	st.inbound <- ev
	time.Sleep(50 * time.Millisecond)
	require.Len(t, st.sender.Sent(), 1)
	require.Equal(t, 1, st.history.Len())
}

func TestSchedulerRetriesFailedDelivery(t *testing.T) {
	st := newSchedulerTest(t, 0)
	st.sender.failures = 2
	stop := runWorker(st.sched.Run)
	defer stop()

	ev := submittedEvent(1, true, 0.8)
	st.inbound <- ev
	require.Eventually(t, func() bool { return ev.Status() == NotificationSent }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, st.sender.Sent(), 1)
	require.Equal(t, 3, ev.Snapshot().SendAttempts)
	require.Equal(t, uint64(2), st.metrics.NotificationErrors.Load())
	require.Equal(t, 1, st.history.Len())
}

func TestSchedulerRetryKeepsArchivedImage(t *testing.T) {
	log := logs.NewTestingLog(t)
	root := t.TempDir()
	store, err := archive.NewStorageFS(log, root)
	require.NoError(t, err)
	mailer := &fakeSender{failures: 2}
	inbound := make(chan *EventInfo, 10)
	sched := NewScheduler(log, testSettings(t, testConfig(nil), nil), notifications.NewArchiveSender(log, store, mailer),
		newFakeHistory(), inbound, newTestMetrics())
	sched.retryDelay = 10 * time.Millisecond

	// Each failed attempt happens in a different month, so a rebuilt notification would get a new archive key
	month := 0
	sched.now = func() time.Time {
		month++
		return time.Date(2024, time.Month(month), 15, 12, 0, 0, 0, time.UTC)
	}
	stop := runWorker(sched.Run)
	defer stop()

	ev := submittedEvent(4, true, 0.8)
	inbound <- ev
	require.Eventually(t, func() bool { return ev.Status() == NotificationSent }, 2*time.Second, 5*time.Millisecond)

	sent := mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, 3, ev.Snapshot().SendAttempts)
	require.Contains(t, sent[0].ArchiveKey, "2024-")
	require.Contains(t, sent[0].ArchiveKey, "/mailed_4_1.jpg")

	archived := []string{}
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			archived = append(archived, filepath.ToSlash(rel))
		}
		return err
	}))
	require.Equal(t, []string{sent[0].ArchiveKey}, archived)
}

func TestSchedulerFormatFailureIsNotSent(t *testing.T) {
	st := newSchedulerTest(t, 0)

	// Passes the trial render when the settings are built, but fails on event 7
	cfg := testConfig(nil)
	cfg.Mail.Subject = "{{if eq .Event.ID 7}}{{.NoSuchField}}{{end}}"
	st.sched.settings.Set(testSettings(t, cfg, nil).Current())

	stop := runWorker(st.sched.Run)
	defer stop()

	ev := submittedEvent(7, true, 0.9)
	st.inbound <- ev
	require.Eventually(t, func() bool { return st.metrics.NotificationErrors.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, NotificationSending, ev.Status())
	require.Empty(t, st.sender.Sent())
	require.Equal(t, 0, st.history.Len())
	require.Len(t, st.sched.Pending(), 1)

	// Fixing the templates with a reload delivers the event
	st.sched.settings.Set(testSettings(t, testConfig(nil), nil).Current())
	require.Eventually(t, func() bool { return ev.Status() == NotificationSent }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, st.sender.Sent(), 1)
	require.Equal(t, "Front: person detected", st.sender.Sent()[0].Subject)
	require.Equal(t, 1, st.history.Len())
}

func TestSchedulerEarliestFirst(t *testing.T) {
	st := newSchedulerTest(t, 1)
	stop := runWorker(st.sched.Run)
	defer stop()

	waiting := submittedEvent(1, false, 0.8)
	st.inbound <- waiting
	// A fully read event fires immediately, overtaking the one that's still waiting for frames
	done := submittedEvent(2, true, 0.8)
	st.inbound <- done

	require.Eventually(t, func() bool { return len(st.sender.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), st.sender.Sent()[0].EventID)
	require.Equal(t, NotificationSubmitted, waiting.Status())

	require.Eventually(t, func() bool { return len(st.sender.Sent()) == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), st.sender.Sent()[1].EventID)
}

func TestSchedulerReschedule(t *testing.T) {
	st := newSchedulerTest(t, 60)
	stop := runWorker(st.sched.Run)
	defer stop()

	ev := submittedEvent(1, false, 0.8)
	st.inbound <- ev
	require.Eventually(t, func() bool { return len(st.sched.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, st.sender.Sent(), 0)

	// The reader found that the event has ended, so there's no reason to wait any longer
	require.True(t, ev.setAllFramesRead())
	st.inbound <- ev
	require.Eventually(t, func() bool { return len(st.sender.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(st.sched.Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStops(t *testing.T) {
	st := newSchedulerTest(t, 60)
	stop := runWorker(st.sched.Run)
	st.inbound <- submittedEvent(1, false, 0.8)
	require.Eventually(t, func() bool { return len(st.sched.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	// Must return even though an event is pending
	stop()
	require.Len(t, st.sender.Sent(), 0)
}
