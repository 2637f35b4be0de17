package pipeline

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/server/zm"
)

// NotificationStatus only ever moves forward: None -> Submitted -> Sending -> Sent
type NotificationStatus int

const (
	NotificationNone      NotificationStatus = iota // Not enough accepted frames yet
	NotificationSubmitted                           // Handed to the scheduler, waiting for its planned time
	NotificationSending                             // The scheduler is delivering (or retrying) the notification
	NotificationSent                                // Delivered. Terminal.
)

func (s NotificationStatus) String() string {
	switch s {
	case NotificationNone:
		return "none"
	case NotificationSubmitted:
		return "submitted"
	case NotificationSending:
		return "sending"
	case NotificationSent:
		return "sent"
	}
	return fmt.Sprintf("NotificationStatus(%d)", int(s))
}

func (s NotificationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Detection is an object found by the detector, plus the reasons why the DetectionFilter rejected it.
// A detection with no discard reasons is accepted.
type Detection struct {
	nn.ObjectDetection
	DiscardReasons []string `json:"discardReasons,omitempty"`
}

func (d *Detection) Accepted() bool {
	return len(d.DiscardReasons) == 0
}

func (d *Detection) reject(format string, args ...any) {
	d.DiscardReasons = append(d.DiscardReasons, fmt.Sprintf(format, args...))
}

// FrameInfo is one alarm frame of an event.
// A FrameInfo is owned by a single processor until it is handed to its EventInfo.
// After that, it is protected by the event's lock.
type FrameInfo struct {
	FrameID   int64
	EventID   int64
	MonitorID int64
	Event     *EventInfo
	Frame     zm.Frame
	ImagePath string

	Image      image.Image // Rotated into display orientation. Released when no longer the best candidate.
	Detections []Detection
	AlarmBox   *geom.Rect // Rotated into display orientation
	Score      float32    // Max confidence of accepted detections, or zero
}

// AcceptedLabels returns the distinct labels of the accepted detections, in detection order
func (f *FrameInfo) AcceptedLabels() []string {
	labels := []string{}
	seen := map[string]bool{}
	for i := range f.Detections {
		d := &f.Detections[i]
		if d.Accepted() && !seen[d.Label] {
			seen[d.Label] = true
			labels = append(labels, d.Label)
		}
	}
	return labels
}

// EventInfo is our state of one ZoneMinder event.
// It is shared by the reader, the processors and the scheduler, and every mutable
// field is protected by lock.
type EventInfo struct {
	ID        int64
	MonitorID int64

	lock              sync.Mutex
	monitorName       string
	width             int
	height            int
	event             zm.Event // Most recent copy from ZoneMinder
	status            NotificationStatus
	submittedAt       time.Time
	plannedAt         time.Time
	candidates        []*FrameInfo
	best              *FrameInfo
	retrievedFrameIDs map[int64]bool
	allFramesRead     bool
	sendAttempts      int
}

func NewEventInfo(ev *zm.Event, monitorName string) *EventInfo {
	return &EventInfo{
		ID:                ev.ID,
		MonitorID:         ev.MonitorID,
		monitorName:       monitorName,
		width:             ev.Width,
		height:            ev.Height,
		event:             *ev,
		retrievedFrameIDs: map[int64]bool{},
	}
}

func (e *EventInfo) Status() NotificationStatus {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.status
}

// IsSendingOrSent is true once the scheduler has started delivering the notification.
// Frames that arrive after this point are stale.
func (e *EventInfo) IsSendingOrSent() bool {
	return e.Status() >= NotificationSending
}

func (e *EventInfo) MonitorName() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.monitorName
}

// Size returns the native frame size of the event
func (e *EventInfo) Size() (width, height int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.width, e.height
}

// Event returns a copy of the latest ZoneMinder record of the event
func (e *EventInfo) Event() zm.Event {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.event
}

// isFinished is true if the reader has nothing more to do for this event
func (e *EventInfo) isFinished() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.status >= NotificationSending || e.allFramesRead
}

// update refreshes our copy of the ZoneMinder record
func (e *EventInfo) update(ev *zm.Event, monitorName string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.event = *ev
	if ev.Width != 0 && ev.Height != 0 {
		e.width = ev.Width
		e.height = ev.Height
	}
	if e.monitorName == "" {
		e.monitorName = monitorName
	}
}

// markRetrieved records that a frame has been queued.
// Returns false if the frame was already queued before.
func (e *EventInfo) markRetrieved(frameID int64) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.retrievedFrameIDs[frameID] {
		return false
	}
	e.retrievedFrameIDs[frameID] = true
	return true
}

func (e *EventInfo) isRetrieved(frameID int64) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.retrievedFrameIDs[frameID]
}

// setAllFramesRead records that ZoneMinder has closed the event and we have queued every frame.
// Returns true if the event is waiting in the scheduler, and must be rescheduled so that it fires now.
func (e *EventInfo) setAllFramesRead() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.allFramesRead {
		return false
	}
	e.allFramesRead = true
	return e.status == NotificationSubmitted
}

func (e *EventInfo) AllFramesRead() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.allFramesRead
}

// addCandidate records a processed frame.
// Only the best scoring frame keeps its image.
// Returns true if the event has just become ready for notification, in which case the
// caller must push it to the scheduler (after this function has released the lock).
func (e *EventInfo) addCandidate(frame *FrameInfo, minAcceptedFrames int, now time.Time) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	if frame.Score == 0 || e.status >= NotificationSending {
		frame.Image = nil
		return false
	}

	e.candidates = append(e.candidates, frame)
	if e.best == nil || frame.Score > e.best.Score {
		if e.best != nil {
			e.best.Image = nil
		}
		e.best = frame
	} else {
		frame.Image = nil
	}

	if len(e.candidates) >= minAcceptedFrames && e.status == NotificationNone {
		e.status = NotificationSubmitted
		e.submittedAt = now
		return true
	}
	return false
}

// plannedTime computes when the scheduler should fire the notification.
// If ZoneMinder has closed the event, no better frame can arrive, so there's no reason to wait.
func (e *EventInfo) plannedTime(delay time.Duration, now time.Time) time.Time {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.allFramesRead {
		e.plannedAt = now
	} else {
		e.plannedAt = e.submittedAt.Add(delay)
		if e.plannedAt.Before(now) {
			e.plannedAt = now
		}
	}
	return e.plannedAt
}

// beginSending moves the event into the Sending state, and returns the frame to notify.
// Returns nil if the event is not in a state that can be sent.
func (e *EventInfo) beginSending() *FrameInfo {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.status != NotificationSubmitted && e.status != NotificationSending {
		return nil
	}
	e.status = NotificationSending
	e.sendAttempts++
	return e.best
}

// markSent is the terminal transition. All frames and images are released.
func (e *EventInfo) markSent() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.status = NotificationSent
	for _, c := range e.candidates {
		c.Image = nil
	}
	// The best frame's metadata stays around for the status API
	e.candidates = nil
	if e.best != nil {
		e.best.Image = nil
	}
}

// EventSnapshot is a JSON-friendly copy of an event's state
type EventSnapshot struct {
	ID              int64              `json:"id"`
	MonitorID       int64              `json:"monitorId"`
	MonitorName     string             `json:"monitorName"`
	StartTime       string             `json:"startTime"`
	EndTime         *string            `json:"endTime"`
	Status          NotificationStatus `json:"status"`
	SubmittedAt     *time.Time         `json:"submittedAt,omitempty"`
	PlannedAt       *time.Time         `json:"plannedAt,omitempty"`
	CandidateScores []float32          `json:"candidateScores"`
	BestFrameID     int64              `json:"bestFrameId,omitempty"`
	BestScore       float32            `json:"bestScore,omitempty"`
	BestDetections  []Detection        `json:"bestDetections,omitempty"`
	RetrievedFrames int                `json:"retrievedFrames"`
	AllFramesRead   bool               `json:"allFramesRead"`
	SendAttempts    int                `json:"sendAttempts"`
}

func (e *EventInfo) Snapshot() EventSnapshot {
	e.lock.Lock()
	defer e.lock.Unlock()
	s := EventSnapshot{
		ID:              e.ID,
		MonitorID:       e.MonitorID,
		MonitorName:     e.monitorName,
		StartTime:       e.event.StartTime,
		EndTime:         e.event.EndTime,
		Status:          e.status,
		CandidateScores: []float32{},
		RetrievedFrames: len(e.retrievedFrameIDs),
		AllFramesRead:   e.allFramesRead,
		SendAttempts:    e.sendAttempts,
	}
	if !e.submittedAt.IsZero() {
		t := e.submittedAt
		s.SubmittedAt = &t
	}
	if !e.plannedAt.IsZero() {
		t := e.plannedAt
		s.PlannedAt = &t
	}
	for _, c := range e.candidates {
		s.CandidateScores = append(s.CandidateScores, c.Score)
	}
	if e.best != nil {
		s.BestFrameID = e.best.FrameID
		s.BestScore = e.best.Score
		s.BestDetections = e.best.Detections
	}
	return s
}
