package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server"
	"github.com/cyclopcam/zmnotify/server/config"
)

func main() {
	parser := argparse.NewParser("zmnotify", "Object detection and email notifications for ZoneMinder events")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: config.DefaultConfigFile})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, *configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForSignals()

	// The pipeline's watchdog calls OnHealthy on every successful check, which keeps systemd's WatchdogSec happy
	srv.OnHealthy = func() {
		daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.Run(); err != nil {
		logger.Errorf("zmnotify failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("zmnotify exiting")
}
