// Package zm is a client of the ZoneMinder HTTP API
package zm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
)

var ErrNotFound = errors.New("Not found")

// Limit on the number of pages we'll walk, in case the server's pagination is broken
const maxPages = 1000

type Client struct {
	log        logs.Log
	cfg        config.ZMConfig
	httpClient *http.Client
}

func NewClient(log logs.Log, cfg config.ZMConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:        logs.NewPrefixLogger(log, "ZM:"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// expandURL fills in the placeholders of a URL template, and adds the auth token
func (c *Client) expandURL(tmpl string, vars map[string]string) string {
	pairs := []string{}
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	u := strings.NewReplacer(pairs...).Replace(tmpl)
	u = strings.ReplaceAll(u, " ", "%20")
	if c.cfg.AuthToken != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(c.cfg.AuthToken)
	}
	return u
}

func (c *Client) fetchJSON(ctx context.Context, method, u string, body any, output any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		respB, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("HTTP error %v (%v)", resp.Status, strings.TrimSpace(string(respB)))
	}
	return json.NewDecoder(resp.Body).Decode(output)
}

// ListEvents returns all events that started at or after 'since', walking every page of the listing
func (c *Client) ListEvents(ctx context.Context, since time.Time) ([]Event, error) {
	startTime := since.In(time.Local).Format(TimeFormat)
	events := []Event{}
	for page := 1; page <= maxPages; page++ {
		u := c.expandURL(c.cfg.EventListURL, map[string]string{
			"startTime": startTime,
			"page":      strconv.Itoa(page),
		})
		resp := eventListResponse{}
		if err := c.fetchJSON(ctx, "GET", u, nil, &resp); err != nil {
			return nil, fmt.Errorf("Failed to list events (page %v): %w", page, err)
		}
		for _, e := range resp.Events {
			events = append(events, e.Event)
		}
		if int64(resp.Pagination.PageCount) <= int64(page) {
			break
		}
	}
	return events, nil
}

func (c *Client) detailsURL(eventID int64) string {
	return c.expandURL(c.cfg.EventDetailsURL, map[string]string{
		"eventId": strconv.FormatInt(eventID, 10),
	})
}

// EventDetails returns an event together with its frames and monitor
func (c *Client) EventDetails(ctx context.Context, eventID int64) (*EventDetails, error) {
	resp := eventViewResponse{}
	if err := c.fetchJSON(ctx, "GET", c.detailsURL(eventID), nil, &resp); err != nil {
		return nil, fmt.Errorf("Failed to fetch event %v: %w", eventID, err)
	}
	if resp.Event.Event.ID == 0 {
		return nil, fmt.Errorf("Failed to fetch event %v: %w", eventID, ErrNotFound)
	}
	return &EventDetails{
		Event:   resp.Event.Event,
		Frames:  resp.Event.Frame,
		Monitor: resp.Event.Monitor,
	}, nil
}

// MarkEmailed sets the Emailed flag of an event, so that ZoneMinder (and we) know it has been notified
func (c *Client) MarkEmailed(ctx context.Context, eventID int64) error {
	body := map[string]any{
		"Event": map[string]any{
			"Emailed": 1,
		},
	}
	resp := struct {
		Message string `json:"message"`
	}{}
	if err := c.fetchJSON(ctx, "POST", c.detailsURL(eventID), body, &resp); err != nil {
		return fmt.Errorf("Failed to mark event %v as emailed: %w", eventID, err)
	}
	if resp.Message != "Saved" {
		return fmt.Errorf("Failed to mark event %v as emailed: server replied '%v'", eventID, resp.Message)
	}
	c.log.Debugf("Marked event %v as emailed", eventID)
	return nil
}

// FrameImagePath expands a frame path template such as
// /var/cache/zoneminder/events/{monitorId}/{startDay}/{eventId}/{frameId05}-capture.jpg
func FrameImagePath(tmpl string, ev *Event, frameID int64) string {
	return strings.NewReplacer(
		"{monitorId}", strconv.FormatInt(ev.MonitorID, 10),
		"{startDay}", ev.StartDay(),
		"{eventId}", strconv.FormatInt(ev.ID, 10),
		"{frameId05}", fmt.Sprintf("%05d", frameID),
		"{frameId}", strconv.FormatInt(frameID, 10),
	).Replace(tmpl)
}
