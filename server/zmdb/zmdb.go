// Package zmdb reads zones, monitors and motion statistics directly from ZoneMinder's MySQL database
package zmdb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/go-sql-driver/mysql"
)

type DB struct {
	log logs.Log
	db  *sql.DB
}

// Open connects to ZoneMinder's database
func Open(log logs.Log, cfg config.DBConfig) (*DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.Timeout = 10 * time.Second
	mc.ReadTimeout = 30 * time.Second

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("Failed to open ZoneMinder database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to connect to ZoneMinder database at %v: %w", mc.Addr, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	log.Infof("Connected to ZoneMinder database %v at %v", cfg.Database, mc.Addr)
	return New(log, db), nil
}

// New wraps an existing connection
func New(log logs.Log, db *sql.DB) *DB {
	return &DB{
		log: log,
		db:  db,
	}
}

func (d *DB) Close() error {
	return d.db.Close()
}

// ReadAlarmBox returns the union of the motion boxes that ZoneMinder recorded for a frame,
// ignoring zones whose names start with excludedZonePrefix. Returns nil if there is no motion data.
func (d *DB) ReadAlarmBox(ctx context.Context, eventID, frameID int64, excludedZonePrefix string) (*geom.Rect, error) {
	var minX, minY, maxX, maxY sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT MIN(s.MinX), MIN(s.MinY), MAX(s.MaxX), MAX(s.MaxY)
		FROM Stats s
		INNER JOIN Zones z ON z.Id = s.ZoneId
		WHERE s.EventId = ? AND s.FrameId = ? AND z.Name NOT LIKE ?`,
		eventID, frameID, excludedZonePrefix+"%").Scan(&minX, &minY, &maxX, &maxY)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("Failed to read alarm box of event %v frame %v: %w", eventID, frameID, err)
	}
	if !minX.Valid || !minY.Valid || !maxX.Valid || !maxY.Valid {
		return nil, nil
	}
	box := geom.NewRect(int(minX.Int64), int(minY.Int64), int(maxX.Int64), int(maxY.Int64))
	return &box, nil
}

// ReadZones returns every zone whose name starts with excludedZonePrefix
func (d *DB) ReadZones(ctx context.Context, excludedZonePrefix string) ([]zm.Zone, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT m.Id, m.Width, m.Height, z.Name, z.Coords
		FROM Monitors m
		INNER JOIN Zones z ON z.MonitorId = m.Id
		WHERE z.Name LIKE ?
		ORDER BY m.Id, z.Id`,
		excludedZonePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("Failed to read zones: %w", err)
	}
	defer rows.Close()
	zones := []zm.Zone{}
	for rows.Next() {
		z := zm.Zone{}
		if err := rows.Scan(&z.MonitorID, &z.MonitorWidth, &z.MonitorHeight, &z.Name, &z.Coords); err != nil {
			return nil, fmt.Errorf("Failed to read zones: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (d *DB) ReadMonitors(ctx context.Context) ([]zm.Monitor, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT Id, Name, Width, Height FROM Monitors ORDER BY Id`)
	if err != nil {
		return nil, fmt.Errorf("Failed to read monitors: %w", err)
	}
	defer rows.Close()
	monitors := []zm.Monitor{}
	for rows.Next() {
		m := zm.Monitor{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Width, &m.Height); err != nil {
			return nil, fmt.Errorf("Failed to read monitors: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}
