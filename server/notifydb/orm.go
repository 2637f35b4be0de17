package notifydb

import "github.com/cyclopcam/dbh"

// Notification is a delivered notification.
// We keep these so that a restart never notifies the same ZoneMinder event twice,
// even if we failed to set the Emailed flag inside ZoneMinder.
type Notification struct {
	ID        string      `gorm:"primaryKey" json:"id"` // uuid
	EventID   int64       `json:"eventId"`
	FrameID   int64       `json:"frameId"`
	MonitorID int64       `json:"monitorId"`
	Score     float32     `json:"score"`
	SentAt    dbh.IntTime `json:"sentAt"`
	Sender    string      `json:"sender"`   // eg "smtp", "sendgrid", "archive"
	ImageKey  string      `json:"imageKey"` // Key of the annotated image in the archive, if any
	Subject   string      `json:"subject"`
}
