package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	psilink "github.com/thoukydides/psilink"
	"github.com/thoukydides/psilink/pkg/config"

	_ "github.com/thoukydides/psilink/pkg/transport/serial"
	_ "github.com/thoukydides/psilink/pkg/transport/virtual"
)

const (
	defaultConfig = "/etc/psilink.ini"
	pollPeriod    = 5 * time.Millisecond
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", defaultConfig, "configuration file path")
	driverName := flag.String("driver", "", "override the configured driver name (serial, virtual)")
	devicePath := flag.String("dev", "", "override the configured device path")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("could not load configuration from %v: %v\n", *configPath, err)
		opts = config.Defaults()
	}
	if *driverName != "" {
		opts.DriverName = *driverName
	}
	if *devicePath != "" {
		opts.DriverPort = *devicePath
	}

	stack := psilink.New(opts)
	if err := stack.Open(); err != nil {
		fmt.Printf("could not open transport: %v\n", err)
		os.Exit(1)
	}
	defer stack.Close()

	if _, err := stack.StartLink(); err != nil {
		fmt.Printf("could not start link: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Info("shutting down")
			stack.EndLink(false)
			return
		case <-ticker.C:
			if err := stack.Poll(false); err != nil {
				log.WithError(err).Error("poll failed")
			}
		}
	}
}
