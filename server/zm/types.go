package zm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the layout of timestamps in the ZoneMinder API, in the server's local time
const TimeFormat = "2006-01-02 15:04:05"

// FrameTypeAlarm is the type of frames that were captured while the monitor was in alarm
const FrameTypeAlarm = "Alarm"

// ZoneMinder's API returns most numbers as JSON strings, and sometimes as numbers.
// flexInt and flexString decode either form, as well as null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(v)
		return nil
	}
	// Some fields such as Score may come through as decimals
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("Invalid integer %v", string(b))
	}
	*f = flexInt(v)
	return nil
}

type flexString struct {
	Value string
	Valid bool
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = flexString{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString{Value: s, Valid: true}
		return nil
	}
	*f = flexString{Value: string(b), Valid: true}
	return nil
}

// Event is one recording session of a monitor
type Event struct {
	ID          int64   `json:"id"`
	MonitorID   int64   `json:"monitorId"`
	Name        string  `json:"name"`
	Cause       string  `json:"cause"`
	Notes       string  `json:"notes"`
	StartTime   string  `json:"startTime"`
	EndTime     *string `json:"endTime"` // nil while the event is still being recorded
	Emailed     bool    `json:"emailed"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Frames      int     `json:"frames"`
	AlarmFrames int     `json:"alarmFrames"`
	MaxScore    int     `json:"maxScore"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Id          flexInt
		MonitorId   flexInt
		Name        flexString
		Cause       flexString
		Notes       flexString
		StartTime   flexString
		EndTime     flexString
		Emailed     flexInt
		Width       flexInt
		Height      flexInt
		Frames      flexInt
		AlarmFrames flexInt
		MaxScore    flexInt
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{
		ID:          int64(raw.Id),
		MonitorID:   int64(raw.MonitorId),
		Name:        raw.Name.Value,
		Cause:       raw.Cause.Value,
		Notes:       raw.Notes.Value,
		StartTime:   raw.StartTime.Value,
		Emailed:     raw.Emailed != 0,
		Width:       int(raw.Width),
		Height:      int(raw.Height),
		Frames:      int(raw.Frames),
		AlarmFrames: int(raw.AlarmFrames),
		MaxScore:    int(raw.MaxScore),
	}
	if raw.EndTime.Valid && raw.EndTime.Value != "" {
		end := raw.EndTime.Value
		e.EndTime = &end
	}
	return nil
}

// Closed returns true once ZoneMinder has finished recording the event
func (e *Event) Closed() bool {
	return e.EndTime != nil
}

// StartDay is the date portion of StartTime, which ZoneMinder uses in its storage paths
func (e *Event) StartDay() string {
	if len(e.StartTime) < 10 {
		return e.StartTime
	}
	return e.StartTime[:10]
}

// Frame is one captured image of an event
type Frame struct {
	ID        int64  `json:"id"`
	EventID   int64  `json:"eventId"`
	FrameID   int64  `json:"frameId"` // 1-based index within the event
	Type      string `json:"type"`    // "Normal", "Bulk", or "Alarm"
	TimeStamp string `json:"timeStamp"`
	Score     int    `json:"score"`
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	var raw struct {
		Id        flexInt
		EventId   flexInt
		FrameId   flexInt
		Type      flexString
		TimeStamp flexString
		Score     flexInt
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Frame{
		ID:        int64(raw.Id),
		EventID:   int64(raw.EventId),
		FrameID:   int64(raw.FrameId),
		Type:      raw.Type.Value,
		TimeStamp: raw.TimeStamp.Value,
		Score:     int(raw.Score),
	}
	return nil
}

// Time parses TimeStamp, which is in the server's local time zone
func (f *Frame) Time() (time.Time, error) {
	return time.ParseInLocation(TimeFormat, f.TimeStamp, time.Local)
}

func (f *Frame) IsAlarm() bool {
	return strings.EqualFold(f.Type, FrameTypeAlarm)
}

type Monitor struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (m *Monitor) UnmarshalJSON(b []byte) error {
	var raw struct {
		Id     flexInt
		Name   flexString
		Width  flexInt
		Height flexInt
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Monitor{
		ID:     int64(raw.Id),
		Name:   raw.Name.Value,
		Width:  int(raw.Width),
		Height: int(raw.Height),
	}
	return nil
}

// EventDetails is the response of the event view API
type EventDetails struct {
	Event   Event
	Frames  []Frame
	Monitor Monitor
}

type eventListResponse struct {
	Events []struct {
		Event Event `json:"Event"`
	} `json:"events"`
	Pagination struct {
		Page      flexInt `json:"page"`
		PageCount flexInt `json:"pageCount"`
	} `json:"pagination"`
}

type eventViewResponse struct {
	Event struct {
		Event   Event   `json:"Event"`
		Frame   []Frame `json:"Frame"`
		Monitor Monitor `json:"Monitor"`
	} `json:"event"`
}

// Zone is a ZoneMinder zone, in the native (unrotated) coordinates of its monitor
type Zone struct {
	MonitorID     int64  `json:"monitorId"`
	MonitorWidth  int    `json:"monitorWidth"`
	MonitorHeight int    `json:"monitorHeight"`
	Name          string `json:"name"`
	Coords        string `json:"coords"` // eg "0,0 639,0 639,479 0,479"
}
