package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for tally-sync.
type Config struct {
	// Realtime backend endpoint, e.g. "sync.tallyhq.io" (dialed as wss://).
	RealtimeHost string `env:"TALLY_REALTIME_HOST"`

	// API key presented during the websocket init handshake.
	APIKey string `env:"TALLY_API_KEY"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"TALLY_DEVICE_NAME"`

	// Path to the local state database holding the pending mutation queue.
	// Empty means ~/.tally-sync/state.db.
	StateDB string `env:"TALLY_STATE_DB"`

	// Path to the YAML subscription manifest the daemon subscribes from
	// at startup. Optional; without it the daemon only drains the queue.
	Subscriptions string `env:"TALLY_SUBSCRIPTIONS"`

	// How often the session drains the pending queue while connected.
	DrainInterval time.Duration `env:"TALLY_DRAIN_INTERVAL" envDefault:"60s"`

	// Base delay before a reconnect attempt after the transport drops.
	ReconnectDelay time.Duration `env:"TALLY_RECONNECT_DELAY" envDefault:"5s"`

	// When false the reconnect delay grows exponentially (with jitter) up
	// to TALLY_RECONNECT_MAX. True restores a fixed interval.
	ReconnectFixed bool          `env:"TALLY_RECONNECT_FIXED" envDefault:"false"`
	ReconnectMax   time.Duration `env:"TALLY_RECONNECT_MAX" envDefault:"60s"`

	// Maximum pending mutations held locally; the oldest is evicted first
	// when the cap is exceeded.
	QueueLimit int `env:"TALLY_QUEUE_LIMIT" envDefault:"1000"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "tally-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDB == "" {
		path, err := defaultStateDB()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RealtimeHost == "" {
		return fmt.Errorf("TALLY_REALTIME_HOST is required")
	}

	if c.APIKey == "" {
		return fmt.Errorf("TALLY_API_KEY is required")
	}

	if c.DrainInterval <= 0 {
		return fmt.Errorf("TALLY_DRAIN_INTERVAL must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("TALLY_RECONNECT_DELAY must be positive")
	}

	if c.ReconnectMax < c.ReconnectDelay {
		return fmt.Errorf("TALLY_RECONNECT_MAX must be at least TALLY_RECONNECT_DELAY")
	}

	if c.QueueLimit <= 0 {
		return fmt.Errorf("TALLY_QUEUE_LIMIT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".tally-sync", "state.db"), nil
}

// GroupSubscription is one entry of the subscription manifest: the set of
// entities the daemon subscribes to for a single group.
type GroupSubscription struct {
	Group    string   `yaml:"group"`
	Entities []string `yaml:"entities"`
}

// LoadSubscriptions parses the YAML subscription manifest at path.
// Entries without a group or with no entities are rejected rather than
// silently skipped, since a typo there means a silently missing feed.
func LoadSubscriptions(path string) ([]GroupSubscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscription manifest: %w", err)
	}

	var manifest struct {
		Subscriptions []GroupSubscription `yaml:"subscriptions"`
	}

	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing subscription manifest: %w", err)
	}

	for i, sub := range manifest.Subscriptions {
		if sub.Group == "" {
			return nil, fmt.Errorf("subscription entry %d has no group", i+1)
		}

		if len(sub.Entities) == 0 {
			return nil, fmt.Errorf("subscription entry %d (group %q) has no entities", i+1, sub.Group)
		}
	}

	return manifest.Subscriptions, nil
}
