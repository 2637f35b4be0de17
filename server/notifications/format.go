package notifications

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/cyclopcam/zmnotify/server/zm"
)

// TemplateData is the data that the subject and message templates are executed against
type TemplateData struct {
	MonitorName  string
	Labels       string // Comma separated
	Score        float32
	ScorePercent float32
	Event        *zm.Event
	Frame        *zm.Frame
}

func NewTemplateData(monitorName string, labels []string, score float32, ev *zm.Event, frame *zm.Frame) *TemplateData {
	if ev == nil {
		ev = &zm.Event{}
	}
	if frame == nil {
		frame = &zm.Frame{}
	}
	return &TemplateData{
		MonitorName:  monitorName,
		Labels:       strings.Join(labels, ", "),
		Score:        score,
		ScorePercent: score * 100,
		Event:        ev,
		Frame:        frame,
	}
}

// Formatter produces the subject and body of a notification
type Formatter struct {
	subject *template.Template
	message *template.Template
}

func NewFormatter(subject, message string) (*Formatter, error) {
	s, err := template.New("subject").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse subject template: %w", err)
	}
	m, err := template.New("message").Parse(message)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse message template: %w", err)
	}
	f := &Formatter{
		subject: s,
		message: m,
	}
	// Catch templates that parse, but can't execute (eg a misspelled field), before any event depends on them
	if _, _, err := f.Format(sampleTemplateData()); err != nil {
		return nil, err
	}
	return f, nil
}

func sampleTemplateData() *TemplateData {
	endTime := "2024-05-06 07:08:30"
	ev := &zm.Event{
		ID:          1,
		MonitorID:   1,
		Name:        "Event-1",
		Cause:       "Motion",
		Notes:       "Motion: All",
		StartTime:   "2024-05-06 07:08:00",
		EndTime:     &endTime,
		Width:       640,
		Height:      480,
		Frames:      30,
		AlarmFrames: 10,
		MaxScore:    50,
	}
	frame := &zm.Frame{ID: 1, EventID: 1, FrameID: 3, Type: "Alarm", TimeStamp: "2024-05-06 07:08:02", Score: 50}
	return NewTemplateData("Monitor", []string{"person"}, 0.9, ev, frame)
}

func (f *Formatter) Format(data *TemplateData) (subject, message string, err error) {
	sb := strings.Builder{}
	if err = f.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("Failed to format subject: %w", err)
	}
	// Mail headers can't span lines
	subject = strings.Join(strings.Fields(sb.String()), " ")
	sb.Reset()
	if err = f.message.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("Failed to format message: %w", err)
	}
	return subject, strings.TrimSpace(sb.String()), nil
}
