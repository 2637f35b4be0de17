// Package config is the JSON configuration file of the service
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"
)

const DefaultConfigFile = "zmnotify.json"

type Config struct {
	ZM              ZMConfig                  `json:"zm"`
	DB              DBConfig                  `json:"db"`              // ZoneMinder's MySQL database
	Timings         TimingsConfig             `json:"timings"`         //
	Threading       ThreadingConfig           `json:"threading"`       //
	Detector        DetectorConfig            `json:"detector"`        //
	DetectionFilter DetectionFilterConfig     `json:"detectionFilter"` //
	Monitors        map[string]*MonitorConfig `json:"monitors"`        // Keyed by "default", monitor ID, or monitor name
	Mail            MailConfig                `json:"mail"`            //
	Archive         ArchiveConfig             `json:"archive"`         // Where copies of notification images are kept
	StateDB         string                    `json:"stateDB"`         // Path to the sqlite database that remembers which events we've notified
	Status          StatusConfig              `json:"status"`          //
	Debug           DebugConfig               `json:"debug"`           //
}

// ZMConfig describes how to reach the ZoneMinder API.
// URLs may contain the placeholders {startTime}, {page}, {eventId} and {monitorId}.
// FrameImagePath may contain {monitorId}, {startDay}, {eventId}, {frameId} and {frameId05}.
type ZMConfig struct {
	EventListURL    string `json:"eventListURL"`    // eg http://zm/zm/api/events/index/StartTime >=:{startTime}/AlarmFrames >=:1.json?page={page}
	EventDetailsURL string `json:"eventDetailsURL"` // eg http://zm/zm/api/events/{eventId}.json
	FrameImagePath  string `json:"frameImagePath"`  // eg /var/cache/zoneminder/events/{monitorId}/{startDay}/{eventId}/{frameId05}-capture.jpg
	AuthToken       string `json:"authToken"`       // Appended to every API request as token=...
	TimeoutSeconds  int    `json:"timeoutSeconds"`  //
	MarkEmailed     *bool  `json:"markEmailed"`     // Set the event's Emailed flag after a successful notification (default true)
}

type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type TimingsConfig struct {
	EventsWindowSeconds      int `json:"eventsWindowSeconds"`      // How far back we look for events
	EventLoopSeconds         int `json:"eventLoopSeconds"`         // Interval between polls of the event list
	FrameReadDelaySeconds    int `json:"frameReadDelaySeconds"`    // Minimum age of a frame before we process it
	CacheSecondsBuffer       int `json:"cacheSecondsBuffer"`       // Added to EventsWindowSeconds to form the event cache expiry
	NotificationDelaySeconds int `json:"notificationDelaySeconds"` // How long to wait for a better frame before notifying
}

type ThreadingConfig struct {
	FrameProcessingThreads     int `json:"frameProcessingThreads"`
	ThreadWatchdogDelaySeconds int `json:"threadWatchdogDelaySeconds"`
	DetectorStuckSeconds       int `json:"detectorStuckSeconds"`
	FrameQueueSize             int `json:"frameQueueSize"`
}

type DetectorConfig struct {
	URL            string  `json:"url"`            // HTTP inference endpoint
	MinScore       float32 `json:"minScore"`       // Detections below this are dropped before filtering
	LabelFile      string  `json:"labelFile"`      // If empty, COCO labels are used
	TimeoutSeconds int     `json:"timeoutSeconds"` //
}

type DetectionFilterConfig struct {
	ObjectLabels       []string `json:"objectLabels"`       // Labels that are allowed to trigger a notification
	ExcludedZonePrefix string   `json:"excludedZonePrefix"` // ZoneMinder zones whose name starts with this are exclusion zones
}

type MailConfig struct {
	Backend        string `json:"backend"` // "smtp", "sendgrid", or "archive"
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	FromAddr       string `json:"fromAddr"`
	ToAddr         string `json:"toAddr"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	SendGridAPIKey string `json:"sendgridAPIKey"`
	Subject        string `json:"subject"` // text/template
	Message        string `json:"message"` // text/template
}

// One of the archive options may be configured (i.e. either 'filesystem' or 'gcs')
type ArchiveConfig struct {
	Filesystem *ArchiveConfigFS  `json:"filesystem"`
	GCS        *ArchiveConfigGCS `json:"gcs"`
}

type ArchiveConfigFS struct {
	Root string `json:"root"`
}

type ArchiveConfigGCS struct {
	Bucket string `json:"bucket"`
	Public bool   `json:"public"` // Allows us to redirect clients straight to storage.googleapis.com
}

type StatusConfig struct {
	Listen string `json:"listen"` // eg ":8090". Empty disables the status server.
}

type DebugConfig struct {
	EventIDs []int64 `json:"eventIDs"` // Process only these events, ignoring their Emailed flag
}

const (
	MailBackendSMTP     = "smtp"
	MailBackendSendGrid = "sendgrid"
	MailBackendArchive  = "archive"
)

const DefaultSubject = `{{.MonitorName}}: {{.Labels}} detected`
const DefaultMessage = `{{.Labels}} detected on {{.MonitorName}} with {{printf "%.0f" .ScorePercent}}% confidence.
Event {{.Event.ID}} ({{.Event.Cause}}) started at {{.Event.StartTime}}, frame {{.Frame.FrameID}} at {{.Frame.TimeStamp}}.
{{.Event.Notes}}`

// LoadConfig reads the config file, fills in defaults, and validates it
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultConfigFile
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// SetDefaults fills in every unspecified value
func (c *Config) SetDefaults() {
	setDefault(&c.ZM.TimeoutSeconds, 10)
	if c.ZM.MarkEmailed == nil {
		yes := true
		c.ZM.MarkEmailed = &yes
	}
	setDefault(&c.DB.Port, 3306)
	setDefault(&c.DB.Database, "zm")

	setDefault(&c.Timings.EventsWindowSeconds, 600)
	setDefault(&c.Timings.EventLoopSeconds, 5)
	setDefault(&c.Timings.FrameReadDelaySeconds, 5)
	setDefault(&c.Timings.CacheSecondsBuffer, 120)

	setDefault(&c.Threading.FrameProcessingThreads, 2)
	setDefault(&c.Threading.ThreadWatchdogDelaySeconds, 5)
	setDefault(&c.Threading.DetectorStuckSeconds, 60)
	setDefault(&c.Threading.FrameQueueSize, 1000)

	setDefault(&c.Detector.MinScore, 0.3)
	setDefault(&c.Detector.TimeoutSeconds, 30)

	if len(c.DetectionFilter.ObjectLabels) == 0 {
		c.DetectionFilter.ObjectLabels = []string{"person"}
	}
	setDefault(&c.DetectionFilter.ExcludedZonePrefix, "Excluded")

	if c.Monitors == nil {
		c.Monitors = map[string]*MonitorConfig{}
	}

	setDefault(&c.Mail.Backend, MailBackendSMTP)
	setDefault(&c.Mail.Port, 587)
	setDefault(&c.Mail.TimeoutSeconds, 10)
	setDefault(&c.Mail.Subject, DefaultSubject)
	setDefault(&c.Mail.Message, DefaultMessage)

	if c.StateDB == "" {
		home, _ := os.UserHomeDir()
		if home == "" {
			home = "/var/lib"
		}
		c.StateDB = filepath.Join(home, "zmnotify", "state.sqlite")
	}
}

func (c *Config) Validate() error {
	if len(c.Debug.EventIDs) == 0 && c.ZM.EventListURL == "" {
		return fmt.Errorf("zm.eventListURL must be set")
	}
	if c.ZM.EventDetailsURL == "" {
		return fmt.Errorf("zm.eventDetailsURL must be set")
	}
	if c.ZM.FrameImagePath == "" {
		return fmt.Errorf("zm.frameImagePath must be set")
	}
	if c.Detector.URL == "" {
		return fmt.Errorf("detector.url must be set")
	}
	if c.Threading.FrameProcessingThreads < 1 {
		return fmt.Errorf("threading.frameProcessingThreads must be at least 1")
	}
	switch c.Mail.Backend {
	case MailBackendSMTP:
		if c.Mail.Host == "" || c.Mail.ToAddr == "" {
			return fmt.Errorf("mail.host and mail.toAddr must be set for the smtp backend")
		}
	case MailBackendSendGrid:
		if c.Mail.SendGridAPIKey == "" || c.Mail.ToAddr == "" {
			return fmt.Errorf("mail.sendgridAPIKey and mail.toAddr must be set for the sendgrid backend")
		}
	case MailBackendArchive:
		if c.Archive.Filesystem == nil && c.Archive.GCS == nil {
			return fmt.Errorf("The archive mail backend needs either archive.filesystem or archive.gcs")
		}
	default:
		return fmt.Errorf("Unknown mail.backend '%v'", c.Mail.Backend)
	}
	if c.Archive.Filesystem != nil && c.Archive.GCS != nil {
		return fmt.Errorf("Only one of archive.filesystem and archive.gcs may be set")
	}
	if _, err := template.New("subject").Parse(c.Mail.Subject); err != nil {
		return fmt.Errorf("mail.subject: %w", err)
	}
	if _, err := template.New("message").Parse(c.Mail.Message); err != nil {
		return fmt.Errorf("mail.message: %w", err)
	}
	for key, m := range c.Monitors {
		if m == nil {
			return fmt.Errorf("monitors.%v is null", key)
		}
		if m.MinAcceptedFrames != nil && *m.MinAcceptedFrames < 1 {
			return fmt.Errorf("monitors.%v.minAcceptedFrames must be at least 1", key)
		}
	}
	return nil
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (t *TimingsConfig) EventsWindow() time.Duration      { return seconds(t.EventsWindowSeconds) }
func (t *TimingsConfig) EventLoop() time.Duration         { return seconds(t.EventLoopSeconds) }
func (t *TimingsConfig) FrameReadDelay() time.Duration    { return seconds(t.FrameReadDelaySeconds) }
func (t *TimingsConfig) NotificationDelay() time.Duration { return seconds(t.NotificationDelaySeconds) }

// CacheExpiry is the inactivity period after which an event is forgotten
func (t *TimingsConfig) CacheExpiry() time.Duration {
	return seconds(t.EventsWindowSeconds + t.CacheSecondsBuffer)
}

func (t *ThreadingConfig) WatchdogDelay() time.Duration { return seconds(t.ThreadWatchdogDelaySeconds) }
func (t *ThreadingConfig) DetectorStuck() time.Duration { return seconds(t.DetectorStuckSeconds) }
