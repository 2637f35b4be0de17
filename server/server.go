// Package server wires ZoneMinder, the detector, the notification senders and the
// event pipeline together, and serves the status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/archive"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/detector"
	"github.com/cyclopcam/zmnotify/server/imagefile"
	"github.com/cyclopcam/zmnotify/server/metrics"
	"github.com/cyclopcam/zmnotify/server/notifications"
	"github.com/cyclopcam/zmnotify/server/notifydb"
	"github.com/cyclopcam/zmnotify/server/pipeline"
	"github.com/cyclopcam/zmnotify/server/zm"
	"github.com/cyclopcam/zmnotify/server/zmdb"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Notification records older than this are purged from the history database
const historyRetention = 90 * 24 * time.Hour

const zmdbTimeout = 30 * time.Second

type Server struct {
	Log logs.Log

	// Called after every healthy watchdog check
	OnHealthy func()

	configFile string
	startedAt  time.Time
	zmClient   *zm.Client
	zmDB       *zmdb.DB
	notifyDB   *notifydb.NotifyDB
	archive    archive.Storage // nil if no archive is configured
	detector   *detector.Guard
	metrics    *metrics.Metrics
	controller *pipeline.Controller

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewServer loads the config, connects to ZoneMinder, and builds the pipeline.
// Nothing is started until Run.
func NewServer(logger logs.Log, configFile string) (*Server, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:        logger,
		configFile: configFile,
		startedAt:  time.Now(),
		metrics:    metrics.New(),
		stop:       make(chan struct{}),
	}
	if err := s.open(cfg); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Server) open(cfg *config.Config) error {
	var err error
	s.zmClient = zm.NewClient(s.Log, cfg.ZM)

	s.zmDB, err = zmdb.Open(s.Log, cfg.DB)
	if err != nil {
		return err
	}

	settings, err := s.loadSettings(cfg)
	if err != nil {
		return err
	}

	s.notifyDB, err = notifydb.Open(s.Log, cfg.StateDB)
	if err != nil {
		return err
	}

	s.archive, err = archive.Open(s.Log, cfg.Archive)
	if errors.Is(err, archive.ErrNotConfigured) {
		s.archive = nil
	} else if err != nil {
		return err
	}

	rest, err := detector.NewRestDetector(s.Log, cfg.Detector)
	if err != nil {
		return err
	}
	s.detector = detector.NewGuard(rest)

	sender, err := s.buildSender(cfg)
	if err != nil {
		return err
	}

	s.controller = pipeline.NewController(s.Log, pipeline.NewSettingsHolder(settings), pipeline.Deps{
		Source:          s.zmClient,
		Images:          imagefile.NewReader(),
		Detector:        s.detector,
		DetectorMonitor: s.detector,
		Alarms:          s.zmDB,
		Sender:          sender,
		History:         s.notifyDB,
		Metrics:         s.metrics,
	})
	return s.setupHttpRoutes()
}

// buildSender assembles the delivery chain: archive, then mail, then mark the event as emailed
func (s *Server) buildSender(cfg *config.Config) (notifications.Sender, error) {
	var mailer notifications.Sender
	switch cfg.Mail.Backend {
	case config.MailBackendSMTP:
		mailer = notifications.NewSMTPSender(s.Log, cfg.Mail)
	case config.MailBackendSendGrid:
		mailer = notifications.NewSendGridSender(s.Log, cfg.Mail)
	case config.MailBackendArchive:
		if s.archive == nil {
			return nil, fmt.Errorf("The archive mail backend needs an archive")
		}
	}

	sender := mailer
	if s.archive != nil {
		sender = notifications.NewArchiveSender(s.Log, s.archive, mailer)
	}

	// In debug mode we re-process old events, and must leave ZoneMinder's state alone
	if *cfg.ZM.MarkEmailed && len(cfg.Debug.EventIDs) == 0 {
		sender = notifications.NewMarkingSender(s.Log, sender, s.zmClient)
	}
	s.Log.Infof("Notifications are delivered via %v", sender.Name())
	return sender, nil
}

// loadSettings reads the monitors and exclusion zones from ZoneMinder, and builds a settings snapshot
func (s *Server) loadSettings(cfg *config.Config) (*pipeline.Settings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), zmdbTimeout)
	defer cancel()
	return pipeline.LoadSettings(ctx, s.Log, cfg, s.zmDB, s.zmDB)
}

// Reload re-reads the config file and the ZoneMinder zones.
// The threading, database, detector and mail settings only change on restart.
func (s *Server) Reload() error {
	cfg, err := config.LoadConfig(s.configFile)
	if err != nil {
		return err
	}
	settings, err := s.loadSettings(cfg)
	if err != nil {
		return err
	}
	s.controller.Reload(settings)
	return nil
}

// Run starts the pipeline and the status server, and blocks until Stop is called,
// or the pipeline fails.
func (s *Server) Run() error {
	s.controller.OnHealthy = s.OnHealthy

	if listen := s.controller.Settings().Config.Status.Listen; listen != "" {
		s.httpServer = &http.Server{
			Addr:    listen,
			Handler: s.httpRouter,
		}
		go func() {
			s.Log.Infof("Status server listening on %v", listen)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Log.Errorf("Status server failed: %v", err)
			}
		}()
	}

	go s.purgeHistory()

	err := s.controller.Run(s.stop)
	s.Stop()
	s.shutdownHTTP()
	s.closeResources()
	return err
}

// Stop asks Run to return
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Server) shutdownHTTP() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Log.Warnf("Status server shutdown: %v", err)
	}
}

func (s *Server) closeResources() {
	if s.detector != nil {
		s.detector.Close()
	}
	if s.zmDB != nil {
		s.zmDB.Close()
	}
	if s.notifyDB != nil {
		s.notifyDB.Close()
	}
}

// ListenForSignals stops the server on SIGINT or SIGTERM, and reloads the settings on SIGHUP
func (s *Server) ListenForSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(s.signalIn)
		for {
			select {
			case sig := <-s.signalIn:
				if sig == syscall.SIGHUP {
					s.Log.Infof("Received SIGHUP. Reloading settings")
					if err := s.Reload(); err != nil {
						s.Log.Errorf("Reload failed, keeping the previous settings: %v", err)
					}
					continue
				}
				s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
				s.Stop()
				return
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Server) purgeHistory() {
	for {
		if n, err := s.notifyDB.DeleteOlderThan(historyRetention); err != nil {
			s.Log.Warnf("Failed to purge notification history: %v", err)
		} else if n != 0 {
			s.Log.Infof("Purged %v old notification records", n)
		}
		select {
		case <-s.stop:
			return
		case <-time.After(24 * time.Hour):
		}
	}
}
