package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for clipsync.
type Config struct {
	// ListenAddr is the TCP address the sync listener binds to. The port
	// is included in discovery announcements so peers know where to dial.
	ListenAddr string `env:"CLIPSYNC_LISTEN_ADDR" envDefault:":9470"`

	// DiscoveryPort is the UDP port used for announce/browse traffic.
	DiscoveryPort int `env:"CLIPSYNC_DISCOVERY_PORT" envDefault:"9471"`

	// AnnounceInterval controls how often presence is broadcast.
	AnnounceInterval time.Duration `env:"CLIPSYNC_ANNOUNCE_INTERVAL" envDefault:"30s"`

	// StaticPeers is a comma-separated list of host:port addresses merged
	// into discovery regardless of broadcast support on the network.
	StaticPeers string `env:"CLIPSYNC_STATIC_PEERS"`

	// KeyFile is the path to the local ed25519 private key. Created by
	// the gen-key subcommand. Defaults to ~/.clipsync/identity.key.
	KeyFile string `env:"CLIPSYNC_KEY_FILE"`

	// AuthorizedKeys is the path to the trusted-key set. Peers whose
	// public key is absent from this file are rejected during the
	// handshake. Defaults to ~/.clipsync/authorized_keys.yaml.
	AuthorizedKeys string `env:"CLIPSYNC_AUTHORIZED_KEYS"`

	// StateFile is the path to the bbolt database holding the persisted
	// sync state, counter, history, and peer records.
	// Defaults to ~/.clipsync/state.db.
	StateFile string `env:"CLIPSYNC_STATE_FILE"`

	// HistoryLimit bounds the clipboard history. Oldest entries are
	// evicted first.
	HistoryLimit int `env:"CLIPSYNC_HISTORY_LIMIT" envDefault:"100"`

	// PollInterval is the clipboard polling cadence. There is no portable
	// blocking change notification, so polling trades latency for
	// portability.
	PollInterval time.Duration `env:"CLIPSYNC_POLL_INTERVAL" envDefault:"300ms"`

	// AuthTimeout bounds a single challenge-response exchange.
	AuthTimeout time.Duration `env:"CLIPSYNC_AUTH_TIMEOUT" envDefault:"5s"`

	// AbsenceTimeout is how long a peer may stay silent (no advertisement
	// and no channel activity) before its record is evicted and its
	// reconnect loop cancelled.
	AbsenceTimeout time.Duration `env:"CLIPSYNC_ABSENCE_TIMEOUT" envDefault:"5m"`

	// DeviceName this node advertises. Defaults to system hostname.
	DeviceName string `env:"CLIPSYNC_DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing configuration to other users.
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
			hostname = "clipsync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in the home-relative paths that cannot be expressed
// as envDefault tags.
func (c *Config) applyDefaults() error {
	if c.KeyFile != "" && c.AuthorizedKeys != "" && c.StateFile != "" {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(home, ".clipsync")

	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(dir, "identity.key")
	}

	if c.AuthorizedKeys == "" {
		c.AuthorizedKeys = filepath.Join(dir, "authorized_keys.yaml")
	}

	if c.StateFile == "" {
		c.StateFile = filepath.Join(dir, "state.db")
	}

	return nil
}

func (c *Config) validate() error {
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("CLIPSYNC_DISCOVERY_PORT must be in 1-65535, got %d", c.DiscoveryPort)
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("CLIPSYNC_HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CLIPSYNC_POLL_INTERVAL must be positive")
	}

	if c.AuthTimeout <= 0 {
		return fmt.Errorf("CLIPSYNC_AUTH_TIMEOUT must be positive")
	}

	if c.AbsenceTimeout < c.AnnounceInterval {
		return fmt.Errorf("CLIPSYNC_ABSENCE_TIMEOUT (%s) must not be shorter than the announce interval (%s)",
			c.AbsenceTimeout, c.AnnounceInterval)
	}

	for _, addr := range c.ParseStaticPeers() {
		if !strings.Contains(addr, ":") {
			return fmt.Errorf("static peer %q missing port", addr)
		}
	}

	return nil
}

// ParseStaticPeers splits the static peer list into addresses, dropping
// empty entries.
func (c *Config) ParseStaticPeers() []string {
	if c.StaticPeers == "" {
		return nil
	}

	var peers []string

	for _, addr := range strings.Split(c.StaticPeers, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		peers = append(peers, addr)
	}

	return peers
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
