// Package notifydb is the sqlite history of delivered notifications
package notifydb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Notification not found")

type NotifyDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the notification history database
func Open(log logs.Log, dbFilename string) (*NotifyDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create directory for %v: %w", dbFilename, err)
	}
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &NotifyDB{
		Log: log,
		DB:  db,
	}, nil
}

func (n *NotifyDB) Close() {
	if sqlDB, err := n.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Add records a delivered notification.
// If ID is empty a new uuid is assigned. If SentAt is zero, it is set to now.
func (n *NotifyDB) Add(rec *Notification) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SentAt == 0 {
		rec.SentAt = dbh.MakeIntTime(time.Now())
	}
	if err := n.DB.Create(rec).Error; err != nil {
		return fmt.Errorf("Failed to record notification of event %v: %w", rec.EventID, err)
	}
	return nil
}

// WasNotified returns true if we have already delivered a notification for the event
func (n *NotifyDB) WasNotified(eventID int64) (bool, error) {
	count := int64(0)
	if err := n.DB.Model(&Notification{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		return false, err
	}
	return count != 0, nil
}

// Latest returns up to limit notifications, newest first
func (n *NotifyDB) Latest(limit int) ([]Notification, error) {
	recs := []Notification{}
	if err := n.DB.Order("sent_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (n *NotifyDB) Get(id string) (*Notification, error) {
	rec := Notification{}
	err := n.DB.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteOlderThan removes history older than the given age.
// The pipeline only needs history for as long as ZoneMinder keeps listing an event.
func (n *NotifyDB) DeleteOlderThan(age time.Duration) (int64, error) {
	cutoff := dbh.MakeIntTime(time.Now().Add(-age))
	res := n.DB.Where("sent_at < ?", cutoff).Delete(&Notification{})
	return res.RowsAffected, res.Error
}
