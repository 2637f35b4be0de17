package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/stretchr/testify/require"
)

type fakeZMDB struct {
	monitors   []zm.Monitor
	zones      []zm.Zone
	err        error
	zonePrefix string
}

func (f *fakeZMDB) ReadMonitors(ctx context.Context) ([]zm.Monitor, error) {
	return f.monitors, f.err
}

func (f *fakeZMDB) ReadZones(ctx context.Context, excludedZonePrefix string) ([]zm.Zone, error) {
	f.zonePrefix = excludedZonePrefix
	return f.zones, f.err
}

func TestLoadSettings(t *testing.T) {
	log := logs.NewTestingLog(t)
	db := &fakeZMDB{
		monitors: []zm.Monitor{
			{ID: 1, Name: "Front", Width: 1000, Height: 1000},
			{ID: 2, Name: "Back", Width: 640, Height: 480},
		},
		zones: []zm.Zone{
			{MonitorID: 1, MonitorWidth: 1000, MonitorHeight: 1000, Name: "ExcludedTree", Coords: "0,0 10,0 10,10 0,10"},
			{MonitorID: 1, MonitorWidth: 1000, MonitorHeight: 1000, Name: "ExcludedBroken", Coords: "0,0 10,0"},
		},
	}
	s, err := LoadSettings(context.Background(), log, testConfig(nil), db, db)
	require.NoError(t, err)
	require.Equal(t, "Excluded", db.zonePrefix)
	require.Equal(t, "Front", s.MonitorName(1))
	require.Equal(t, "Back", s.MonitorName(2))
	require.Equal(t, "7", s.MonitorName(7))

	// The zone with too few points is ignored
	require.Len(t, s.Policy(1, 1000, 1000).Zones, 1)
	require.Len(t, s.Policy(2, 640, 480).Zones, 0)

	// A monitor we've never seen still gets a policy
	p := s.Policy(7, 320, 240)
	require.Equal(t, 320, p.Width)
	require.Nil(t, p.Rotation)
}

func TestLoadSettingsError(t *testing.T) {
	db := &fakeZMDB{err: errors.New("connection refused")}
	_, err := LoadSettings(context.Background(), logs.NewTestingLog(t), testConfig(nil), db, db)
	require.ErrorContains(t, err, "connection refused")
}

func TestSettingsTemplateError(t *testing.T) {
	// Parses, but can't execute
	cfg := testConfig(nil)
	cfg.Mail.Message = "{{.Event.NoSuchField}}"
	_, err := NewSettings(logs.NewTestingLog(t), cfg, testMonitors, nil)
	require.ErrorContains(t, err, "NoSuchField")
}

func TestSettingsRotatedPolicy(t *testing.T) {
	cfg := testConfig(&config.MonitorConfig{Rotate: f64(90)})
	p := testSettings(t, cfg, nil).Current().Policy(1, 1000, 500)
	require.NotNil(t, p.Rotation)
	require.False(t, p.Rotation.IsIdentity())
}

func f64(v float64) *float64 {
	return &v
}
