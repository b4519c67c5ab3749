package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/monitor"
	"github.com/vigilhq/vigil/internal/negotiate"
	"github.com/vigilhq/vigil/internal/registry"
	"github.com/vigilhq/vigil/internal/signal"
	"github.com/vigilhq/vigil/internal/statestore"
)

var (
	cfgPath = flag.String("config", "console.json", "Path to the console configuration file")
	connect = flag.String("connect", "", "Employee id to request a connection to on startup")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("vigil-console v%s\n", appVersion)
		return
	}

	cfg, err := config.LoadConsole(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := statestore.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer store.Close()

	ch := signal.NewClient(cfg.RelayURL)
	reg := registry.New()
	m := monitor.New(ch, reg, monitor.Options{
		Name:         cfg.Name,
		Token:        cfg.Token,
		Dialer:       negotiate.PionDialer(cfg.ICEServers),
		Store:        store,
		Fetch:        monitor.HTTPFetcher(cfg.APIBaseURL, cfg.Token),
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		WatchAll:     cfg.WatchAll,
		OnTrack: func(sessionID string, t *webrtc.TrackRemote) {
			log.Printf("Session %s: receiving %s", sessionID, t.Codec().MimeType)
		},
		OnDenied: func(employeeName string) {
			log.Printf("%s declined the connection request", employeeName)
		},
	})
	m.Start()

	fmt.Printf("vigil-console v%s\n", appVersion)
	fmt.Printf("Relay:   %s\n", cfg.RelayURL)
	fmt.Printf("API:     %s\n", cfg.APIBaseURL)
	fmt.Printf("Re-poll: every %ds\n", cfg.PollIntervalSec)
	if cfg.WatchAll {
		fmt.Println("Mode:    watching every streaming session")
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if *connect != "" {
		sub := ch.OnConnect(func() {
			if err := m.RequestConnection(*connect); err != nil {
				log.Printf("Connection request: %v", err)
			}
		})
		defer sub.Cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	ch.Start(ctx)
	<-ctx.Done()

	m.Close()
	ch.Close()
}
