package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/relay"
)

var (
	cfgPath = flag.String("config", "relay.json", "Path to the relay configuration file")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("vigil-relay v%s\n", appVersion)
		return
	}

	cfg, err := config.LoadRelay(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv, err := relay.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build relay: %v", err)
	}

	fmt.Printf("vigil-relay v%s\n", appVersion)
	fmt.Printf("Listening:      %s\n", cfg.Addr)
	fmt.Printf("Session grace:  %ds\n", cfg.SessionTTLSec)
	if cfg.ICEServersFile != "" {
		fmt.Printf("ICE servers:    %s (hot-reloaded)\n", cfg.ICEServersFile)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}
