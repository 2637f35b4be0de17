package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/www"
	"github.com/cyclopcam/zmnotify/server/archive"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/pipeline"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Number of persisted notifications returned by /api/notifications
const historyPageSize = 100

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	// Every route gets its own per-IP rate limiter
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limiter := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	ratelimited("GET", "/api/ping", s.httpPing, 60, time.Minute)
	ratelimited("GET", "/api/status", s.httpStatus, 120, time.Minute)
	ratelimited("GET", "/api/events/:id", s.httpEvent, 120, time.Minute)
	ratelimited("GET", "/api/notifications", s.httpNotifications, 60, time.Minute)
	ratelimited("GET", "/api/notifications/:id/image", s.httpNotificationImage, 60, time.Minute)
	ratelimited("GET", "/api/ws/notifications", s.httpNotificationsWebSocket, 10, time.Minute)
	ratelimited("GET", "/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.metrics.Handler().ServeHTTP(w, r)
	}, 60, time.Minute)

	s.httpRouter = router
	return nil
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}

type detectorStatusJSON struct {
	Calls          int64   `json:"calls"`
	AvgSeconds     float64 `json:"avgSeconds"`
	PendingSeconds float64 `json:"pendingSeconds"`
}

type statusJSON struct {
	StartedAt time.Time          `json:"startedAt"`
	Pipeline  *pipeline.Status   `json:"pipeline"`
	Detector  detectorStatusJSON `json:"detector"`
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	j := &statusJSON{
		StartedAt: s.startedAt,
		Pipeline:  s.controller.Status(),
	}
	if s.detector != nil {
		j.Detector = detectorStatusJSON{
			Calls:          s.detector.NumCalls(),
			AvgSeconds:     s.detector.AverageDuration().Seconds(),
			PendingSeconds: s.detector.PendingDuration().Seconds(),
		}
	}
	www.SendJSON(w, j)
}

func (s *Server) httpEvent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		www.PanicBadRequestf("Invalid event ID '%v'", params.ByName("id"))
	}
	ev := s.controller.Event(id)
	if ev == nil {
		www.PanicNotFound()
	}
	www.SendJSON(w, ev)
}

type notificationsJSON struct {
	Recent  []pipeline.NotificationResult `json:"recent"`
	History []notifydb.Notification       `json:"history"`
}

func (s *Server) httpNotifications(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	history, err := s.notifyDB.Latest(historyPageSize)
	www.Check(err)
	www.SendJSON(w, &notificationsJSON{
		Recent:  s.controller.Scheduler().Recent(),
		History: history,
	})
}

func (s *Server) httpNotificationImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec, err := s.notifyDB.Get(params.ByName("id"))
	if errors.Is(err, notifydb.ErrNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	if s.archive == nil || rec.ImageKey == "" {
		www.PanicNotFound()
	}

	// Public buckets can serve the image themselves
	if url, err := s.archive.URL(rec.ImageKey); err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	} else if !errors.Is(err, archive.ErrNoPublicUrl) {
		www.Check(err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	f, err := s.archive.ReadFile(ctx, rec.ImageKey)
	www.Check(err)
	defer f.Reader.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	if f.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	// Archived images never change
	w.Header().Set("Cache-Control", "max-age=31536000, immutable")
	if _, err := io.Copy(w, f.Reader); err != nil {
		s.Log.Warnf("Failed to send notification image %v: %v", rec.ImageKey, err)
	}
}

// httpNotificationsWebSocket streams every delivered notification as a JSON message
func (s *Server) httpNotificationsWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	scheduler := s.controller.Scheduler()
	results := scheduler.AddWatcher()
	defer scheduler.RemoveWatcher(results)

	// We don't expect anything from the client, but we must read in order to notice when it goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case res := <-results:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(res); err != nil {
				s.Log.Infof("Notification websocket write failed: %v", err)
				return
			}
		case <-closed:
			return
		case <-s.stop:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
