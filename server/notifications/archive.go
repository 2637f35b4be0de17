package notifications

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/archive"
	"github.com/cyclopcam/zmnotify/server/config"
)

// ArchiveSender writes the notification image into blob storage.
// If Next is not nil, the notification is then handed on to Next, so that
// the archive can sit in front of a mail sender.
type ArchiveSender struct {
	log   logs.Log
	store archive.Storage
	Next  Sender
}

func NewArchiveSender(log logs.Log, store archive.Storage, next Sender) *ArchiveSender {
	return &ArchiveSender{
		log:   log,
		store: store,
		Next:  next,
	}
}

func (a *ArchiveSender) Name() string {
	if a.Next != nil {
		return a.Next.Name()
	}
	return config.MailBackendArchive
}

// ArchiveKey is the blob name of a notification image, eg "2024-05/mailed_12_3.jpg"
func ArchiveKey(n *Notification) string {
	t := n.CreatedAt
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01") + "/" + n.ImageFilename()
}

func (a *ArchiveSender) Send(ctx context.Context, n *Notification) error {
	// The scheduler retries with the same notification, so a key means that an earlier attempt archived the image and then failed further down the chain
	if n.ArchiveKey == "" && len(n.Image) != 0 {
		key := ArchiveKey(n)
		if err := archive.WriteFile(ctx, a.store, key, bytes.NewReader(n.Image)); err != nil {
			return fmt.Errorf("Failed to archive notification image: %w", err)
		}
		n.ArchiveKey = key
		a.log.Infof("Archived event %v frame %v as %v", n.EventID, n.FrameID, key)
	}
	if a.Next != nil {
		return a.Next.Send(ctx, n)
	}
	return nil
}
