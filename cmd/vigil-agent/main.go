package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"sync"
	"syscall"

	"github.com/vigilhq/vigil/internal/agent"
	"github.com/vigilhq/vigil/internal/capture"
	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/negotiate"
	"github.com/vigilhq/vigil/internal/registry"
	"github.com/vigilhq/vigil/internal/signal"
	"github.com/vigilhq/vigil/internal/statestore"
)

var (
	cfgPath = flag.String("config", "agent.json", "Path to the agent configuration file")
	share   = flag.Bool("share", false, "Start sharing as soon as the relay accepts the login")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("vigil-agent v%s\n", appVersion)
		return
	}

	cfg, err := config.LoadAgent(*cfgPath)
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
	a := agent.New(ch, reg, agent.Options{
		Name:       cfg.Name,
		Token:      cfg.Token,
		AvatarURL:  cfg.AvatarURL,
		AutoAccept: cfg.AutoAccept,
		Dialer:     negotiate.PionDialer(cfg.ICEServers),
		Store:      store,
	})
	a.Start()

	fmt.Printf("vigil-agent v%s\n", appVersion)
	fmt.Printf("Relay:  %s\n", cfg.RelayURL)
	fmt.Printf("Name:   %s\n", cfg.Name)
	if cfg.AutoAccept {
		fmt.Println("Mode:   auto-accept connection requests")
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if *share {
		var once sync.Once
		sub := ch.OnConnect(func() {
			once.Do(func() {
				if err := a.StartSharing(&capture.TestPattern{}); err != nil {
					log.Printf("Start sharing: %v", err)
				}
			})
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

	// Capture goes down before the transport so the stream never outlives
	// the logout.
	a.Close()
	ch.Close()
}
