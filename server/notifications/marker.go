package notifications

import (
	"context"

	"github.com/cyclopcam/logs"
)

// EmailedMarker sets a flag on the event inside the video backend
type EmailedMarker interface {
	MarkEmailed(ctx context.Context, eventID int64) error
}

// MarkingSender wraps a sender, and after a successful delivery, marks the event as emailed in ZoneMinder.
// If marking fails, the notification is still considered delivered.
type MarkingSender struct {
	log    logs.Log
	inner  Sender
	marker EmailedMarker
}

func NewMarkingSender(log logs.Log, inner Sender, marker EmailedMarker) *MarkingSender {
	return &MarkingSender{
		log:    log,
		inner:  inner,
		marker: marker,
	}
}

func (m *MarkingSender) Name() string {
	return m.inner.Name()
}

func (m *MarkingSender) Send(ctx context.Context, n *Notification) error {
	if err := m.inner.Send(ctx, n); err != nil {
		return err
	}
	if err := m.marker.MarkEmailed(ctx, n.EventID); err != nil {
		m.log.Warnf("Notification for event %v was sent, but marking it as emailed failed: %v", n.EventID, err)
	}
	return nil
}
