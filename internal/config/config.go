// Package config loads the JSON configuration files for the three vigil
// binaries. Missing files fall back to defaults; invalid values fail fast.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vigilhq/vigil/internal/util"
)

// Agent configures the employee endpoint daemon.
type Agent struct {
	RelayURL   string            `json:"relay_url"` // ws://host:port/ws
	Token      string            `json:"token"`     // opaque credential presented on auth
	Name       string            `json:"name"`      // display name
	AvatarURL  string            `json:"avatar_url"`
	DataDir    string            `json:"data_dir"`    // state db location
	AutoAccept bool              `json:"auto_accept"` // accept connection requests unattended
	ICEServers []string          `json:"ice_servers"`
	LogLevels  map[string]string `json:"log_levels"` // subsystem -> level
}

// Console configures the admin endpoint daemon.
type Console struct {
	RelayURL        string            `json:"relay_url"`
	APIBaseURL      string            `json:"api_base_url"` // http://host:port, for the session re-fetch poll
	Token           string            `json:"token"`
	Name            string            `json:"name"`
	DataDir         string            `json:"data_dir"`
	PollIntervalSec int               `json:"poll_interval_seconds"`
	WatchAll        bool              `json:"watch_all"` // treat every session as full-view
	ICEServers      []string          `json:"ice_servers"`
	LogLevels       map[string]string `json:"log_levels"`
}

// Relay configures the relay server.
type Relay struct {
	Addr           string            `json:"addr"`                // host:port to listen on
	JWTSecret      string            `json:"jwt_secret"`          // HMAC key for client credentials
	StatusPassHash string            `json:"status_pass_hash"`    // bcrypt hash gating /status; empty disables it
	SessionTTLSec  int               `json:"session_ttl_seconds"` // offline grace before session-ended
	ICEServersFile string            `json:"ice_servers_file"`    // JSON file served at /api/ice, hot-reloaded
	ICEServers     []string          `json:"ice_servers"`         // fallback when no file is configured
	LogLevels      map[string]string `json:"log_levels"`
}

// LoadAgent reads an Agent config from path.
func LoadAgent(path string) (*Agent, error) {
	cfg := &Agent{
		RelayURL: "ws://127.0.0.1:8787/ws",
		Name:     "agent",
		DataDir:  "data",
	}
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("config: token is required")
	}
	cfg.DataDir = util.ResolvePath(configDir(path), cfg.DataDir)
	applyLogLevels(cfg.LogLevels)
	return cfg, nil
}

// LoadConsole reads a Console config from path.
func LoadConsole(path string) (*Console, error) {
	cfg := &Console{
		RelayURL:        "ws://127.0.0.1:8787/ws",
		APIBaseURL:      "http://127.0.0.1:8787",
		Name:            "console",
		DataDir:         "data",
		PollIntervalSec: 15,
	}
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("config: token is required")
	}
	if cfg.PollIntervalSec < 1 {
		return nil, fmt.Errorf("config: poll_interval_seconds %d is below 1", cfg.PollIntervalSec)
	}
	cfg.DataDir = util.ResolvePath(configDir(path), cfg.DataDir)
	applyLogLevels(cfg.LogLevels)
	return cfg, nil
}

// LoadRelay reads a Relay config from path.
func LoadRelay(path string) (*Relay, error) {
	cfg := &Relay{
		Addr:          "127.0.0.1:8787",
		SessionTTLSec: 300,
	}
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: jwt_secret is required")
	}
	if cfg.SessionTTLSec < 1 {
		return nil, fmt.Errorf("config: session_ttl_seconds %d is below 1", cfg.SessionTTLSec)
	}
	if cfg.ICEServersFile != "" {
		cfg.ICEServersFile = util.ResolvePath(configDir(path), cfg.ICEServersFile)
	}
	applyLogLevels(cfg.LogLevels)
	return cfg, nil
}

// configDir is the directory relative paths in a config file resolve
// against, so the binary's working directory stops mattering.
func configDir(path string) string {
	if path == "" {
		return "."
	}
	return filepath.Dir(path)
}

// loadInto decodes path over the pre-filled defaults in v. A missing file
// keeps the defaults.
func loadInto(path string, v any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyLogLevels(levels map[string]string) {
	for subsystem, level := range levels {
		if err := logging.SetLogLevel(subsystem, level); err != nil {
			// A typo in a log level should not stop the process.
			fmt.Fprintf(os.Stderr, "config: log level %s=%s: %v\n", subsystem, level, err)
		}
	}
}
