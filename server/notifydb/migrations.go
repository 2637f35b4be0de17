package notifydb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE notification(
			id TEXT PRIMARY KEY,
			event_id INT NOT NULL,
			frame_id INT NOT NULL,
			monitor_id INT NOT NULL,
			score REAL NOT NULL,
			sent_at INT NOT NULL,
			sender TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_notification_event_id ON notification (event_id);
		CREATE INDEX idx_notification_sent_at ON notification (sent_at);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE notification ADD COLUMN image_key TEXT NOT NULL DEFAULT '';
		ALTER TABLE notification ADD COLUMN subject TEXT NOT NULL DEFAULT '';
	`))

	return migs
}
