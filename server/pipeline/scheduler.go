package pipeline

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/gen"
	"github.com/cyclopcam/zmnotify/server/imagefile"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifications"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/render"
)

const (
	// SYNC-WATCHER-CHANNEL-SIZE
	WatcherChannelSize = 100

	// Must be a power of 2
	recentNotificationsSize = 64

	defaultRetryDelay = 5 * time.Second
)

// NotificationResult is published to watchers after every successful notification
type NotificationResult struct {
	RecordID    string    `json:"recordId"` // ID of the notifydb record. Empty if the record could not be saved.
	EventID     int64     `json:"eventId"`
	FrameID     int64     `json:"frameId"`
	MonitorID   int64     `json:"monitorId"`
	MonitorName string    `json:"monitorName"`
	Labels      []string  `json:"labels"`
	Score       float32   `json:"score"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	ArchiveKey  string    `json:"archiveKey,omitempty"`
	Attempts    int       `json:"attempts"`
	SentAt      time.Time `json:"sentAt"`
}

// PendingNotification is an event that is waiting for its planned time, or for a retry
type PendingNotification struct {
	EventID   int64              `json:"eventId"`
	PlannedAt time.Time          `json:"plannedAt"`
	Status    NotificationStatus `json:"status"`
}

type pendingItem struct {
	at    time.Time
	event *EventInfo
	index int
}

// pendingHeap is a min-heap on planned time. Ties go to the lower event ID.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].event.ID < h[j].event.ID
	}
	return h[i].at.Before(h[j].at)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler waits until each submitted event is due, and then sends a single notification for it.
// Events are served earliest-due first.
type Scheduler struct {
	log        logs.Log
	settings   *SettingsHolder
	sender     notifications.Sender
	history    NotifiedHistory
	inbound    <-chan *EventInfo
	metrics    *metrics.Metrics
	now        func() time.Time
	retryDelay time.Duration

	// Notifications whose delivery failed, waiting to be retried. Only touched by Run.
	unsent map[*EventInfo]*notifications.Notification

	pendingLock sync.Mutex
	pending     pendingHeap
	pendingByID map[int64]*pendingItem

	recentLock sync.Mutex
	recent     ringbuffer.RingP[NotificationResult]

	watchersLock sync.RWMutex
	watchers     []chan *NotificationResult
}

func NewScheduler(log logs.Log, settings *SettingsHolder, sender notifications.Sender, history NotifiedHistory,
	inbound <-chan *EventInfo, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		log:         log,
		settings:    settings,
		sender:      sender,
		history:     history,
		inbound:     inbound,
		metrics:     m,
		now:         time.Now,
		retryDelay:  defaultRetryDelay,
		pendingByID: map[int64]*pendingItem{},
		unsent:      map[*EventInfo]*notifications.Notification{},
		recent:      ringbuffer.NewRingP[NotificationResult](recentNotificationsSize),
	}
}

// Run is the scheduling loop. It returns when stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	ctx, cancel := contextFromStop(stop)
	defer cancel()
	for {
		next := s.peek()
		if next == nil {
			select {
			case ev := <-s.inbound:
				s.schedule(ev)
			case <-stop:
				return
			}
			continue
		}

		if wait := next.at.Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case ev := <-s.inbound:
				s.schedule(ev)
			case <-timer.C:
			case <-stop:
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}

		if s.fire(ctx, next.event) {
			s.remove(next)
			continue
		}

		// The event stays pending, and is retried on the next pass
		select {
		case <-time.After(s.retryDelay):
		case <-stop:
			return
		}
	}
}

// schedule adds an event to the pending set, or updates its planned time if it is already there
func (s *Scheduler) schedule(ev *EventInfo) {
	if ev.Status() == NotificationSent {
		return
	}
	delay := s.settings.Current().Config.Timings.NotificationDelay()
	at := ev.plannedTime(delay, s.now())

	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	if item := s.pendingByID[ev.ID]; item != nil {
		item.at = at
		heap.Fix(&s.pending, item.index)
		return
	}
	item := &pendingItem{at: at, event: ev}
	heap.Push(&s.pending, item)
	s.pendingByID[ev.ID] = item
	s.log.Debugf("Event %v scheduled for notification at %v", ev.ID, at.Format("15:04:05"))
}

func (s *Scheduler) peek() *pendingItem {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return s.pending[0]
}

func (s *Scheduler) remove(item *pendingItem) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	if item.index >= 0 {
		heap.Remove(&s.pending, item.index)
	}
	delete(s.pendingByID, item.event.ID)
}

// fire sends the notification of an event.
// Returns false if delivery failed and must be retried.
func (s *Scheduler) fire(ctx context.Context, ev *EventInfo) bool {
	frame := ev.beginSending()
	if frame == nil {
		// Either already sent, or there never was a candidate
		delete(s.unsent, ev)
		return true
	}

	// A retry reuses the notification of the failed attempt, so that its archived image is not uploaded again
	n := s.unsent[ev]
	if n == nil {
		var err error
		n, err = s.buildNotification(ev, frame)
		if err != nil {
			// Templates are checked when the settings are loaded, so this needs a template that fails on
			// particular event data. The event stays pending, and a reload with fixed templates delivers it.
			s.log.Errorf("Failed to build notification for event %v: %v. Retrying in %v", ev.ID, err, s.retryDelay)
			s.metrics.NotificationErrors.Add(1)
			return false
		}
		s.unsent[ev] = n
	}

	s.log.Infof("Sending notification for event %v frame %v (%v, %.2f) via %v", ev.ID, frame.FrameID, n.Labels, n.Score, s.sender.Name())
	if err := notifications.SafeSend(ctx, s.sender, n); err != nil {
		s.metrics.NotificationErrors.Add(1)
		s.log.Errorf("Failed to send notification for event %v: %v. Retrying in %v", ev.ID, err, s.retryDelay)
		return false
	}

	delete(s.unsent, ev)
	ev.markSent()
	s.metrics.NotificationsSent.Add(1)

	result := &NotificationResult{
		EventID:     n.EventID,
		FrameID:     n.FrameID,
		MonitorID:   n.MonitorID,
		MonitorName: n.MonitorName,
		Labels:      n.Labels,
		Score:       n.Score,
		Subject:     n.Subject,
		Sender:      s.sender.Name(),
		ArchiveKey:  n.ArchiveKey,
		Attempts:    ev.Snapshot().SendAttempts,
		SentAt:      s.now(),
	}
	rec := &notifydb.Notification{
		EventID:   n.EventID,
		FrameID:   n.FrameID,
		MonitorID: n.MonitorID,
		Score:     n.Score,
		Sender:    result.Sender,
		ImageKey:  n.ArchiveKey,
		Subject:   n.Subject,
	}
	if err := s.history.Add(rec); err != nil {
		s.log.Warnf("Failed to record notification of event %v: %v", ev.ID, err)
	} else {
		result.RecordID = rec.ID
	}

	s.recentLock.Lock()
	s.recent.Add(*result)
	s.recentLock.Unlock()

	s.sendToWatchers(result)
	s.log.Infof("Notification for event %v delivered", ev.ID)
	return true
}

func (s *Scheduler) buildNotification(ev *EventInfo, frame *FrameInfo) (*notifications.Notification, error) {
	settings := s.settings.Current()
	width, height := ev.Size()
	policy := settings.Policy(ev.MonitorID, width, height)
	zmEvent := ev.Event()
	labels := frame.AcceptedLabels()
	monitorName := ev.MonitorName()
	if monitorName == "" {
		monitorName = settings.MonitorName(ev.MonitorID)
	}

	annotations := &render.Annotations{
		Width:            width,
		Height:           height,
		AlarmBox:         frame.AlarmBox,
		ExcludedPoints:   policy.ExcludedPoints,
		ExcludedPolygons: policy.ExclusionPolygons(),
	}
	if policy.Rotation != nil && !policy.Rotation.IsIdentity() {
		annotations.Width = policy.Rotation.DstWidth
		annotations.Height = policy.Rotation.DstHeight
	}
	for i := range frame.Detections {
		d := &frame.Detections[i]
		annotations.Detections = append(annotations.Detections, render.Box{
			Rect:     d.Box,
			Label:    d.Label,
			Score:    d.Confidence,
			Accepted: d.Accepted(),
		})
	}

	var jpg []byte
	if frame.Image != nil {
		var err error
		jpg, err = imagefile.EncodeJPEG(render.Render(frame.Image, annotations), imagefile.DefaultQuality)
		if err != nil {
			s.log.Warnf("Failed to encode notification image of event %v: %v", ev.ID, err)
		}
	}

	subject, message, err := settings.Formatter.Format(notifications.NewTemplateData(monitorName, labels, frame.Score, &zmEvent, &frame.Frame))
	if err != nil {
		return nil, fmt.Errorf("Failed to format notification: %w", err)
	}

	return &notifications.Notification{
		EventID:     ev.ID,
		FrameID:     frame.FrameID,
		MonitorID:   ev.MonitorID,
		MonitorName: monitorName,
		Labels:      labels,
		Score:       frame.Score,
		Subject:     subject,
		Message:     message,
		Image:       jpg,
		CreatedAt:   s.now(),
	}, nil
}

// Pending returns the events waiting for notification, earliest first
func (s *Scheduler) Pending() []PendingNotification {
	s.pendingLock.Lock()
	items := make([]*pendingItem, len(s.pending))
	copy(items, s.pending)
	s.pendingLock.Unlock()

	out := make([]PendingNotification, 0, len(items))
	for _, item := range items {
		out = append(out, PendingNotification{
			EventID:   item.event.ID,
			PlannedAt: item.at,
			Status:    item.event.Status(),
		})
	}
	slices.SortFunc(out, func(a, b PendingNotification) int {
		return a.PlannedAt.Compare(b.PlannedAt)
	})
	return out
}

// Recent returns the most recently delivered notifications, newest first
func (s *Scheduler) Recent() []NotificationResult {
	s.recentLock.Lock()
	defer s.recentLock.Unlock()
	out := make([]NotificationResult, 0, s.recent.Len())
	for i := s.recent.Len() - 1; i >= 0; i-- {
		out = append(out, s.recent.Peek(i))
	}
	return out
}

// AddWatcher registers a channel that receives every delivered notification
func (s *Scheduler) AddWatcher() chan *NotificationResult {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan *NotificationResult, WatcherChannelSize)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Scheduler) RemoveWatcher(ch chan *NotificationResult) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = gen.DeleteFromSliceUnordered(s.watchers, i)
			return
		}
	}
	s.log.Warnf("Scheduler.RemoveWatcher failed to find channel")
}

func (s *Scheduler) sendToWatchers(result *NotificationResult) {
	s.watchersLock.RLock()
	defer s.watchersLock.RUnlock()
	for _, ch := range s.watchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// A stalled watcher must never stall the scheduler
			s.log.Warnf("Notification watcher is falling behind. Dropping notification of event %v", result.EventID)
		} else {
			ch <- result
		}
	}
}
