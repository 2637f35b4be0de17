// Package notifications formats and delivers event notifications
package notifications

import (
	"context"
	"fmt"
	"time"
)

// Notification is a fully rendered notification, ready to be delivered
type Notification struct {
	EventID     int64
	FrameID     int64
	MonitorID   int64
	MonitorName string
	Labels      []string // Accepted labels on the notified frame, eg ["person"]
	Score       float32
	Subject     string
	Message     string
	Image       []byte // Annotated JPEG. May be nil if the frame image could not be read.
	CreatedAt   time.Time

	// Set by ArchiveSender when the image has been archived
	ArchiveKey string
}

// ImageFilename is the name under which the notification image is attached or archived
func (n *Notification) ImageFilename() string {
	return ImageFilename(n.EventID, n.FrameID)
}

func ImageFilename(eventID, frameID int64) string {
	return fmt.Sprintf("mailed_%v_%v.jpg", eventID, frameID)
}

// Sender delivers a notification.
// A nil error means the notification was delivered.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
}

// SafeSend calls s.Send, and turns a panic into an error
func SafeSend(ctx context.Context, s Sender, n *Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Sender %v panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, n)
}
