// Package config loads socket settings from defaults and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds socket configuration.
type Config struct {
	// URL is the websocket endpoint.
	URL    string
	Origin string

	// Version is the WhatsApp Web version sent in the client payload.
	Version     [3]uint32
	OSName      string
	BrowserName string

	RequestTimeout       time.Duration
	KeepaliveInterval    time.Duration
	KeepaliveMaxFailures int

	// ReconnectAttempts bounds consecutive reconnects; 0 means unlimited.
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	ListenerWorkers   int
	ListenerQueueSize int

	// MinPreKeys triggers an upload of PreKeyUploadCount new prekeys.
	MinPreKeys        int
	PreKeyUploadCount int
	DeviceCacheTTL    time.Duration

	// Storage is "sqlite" or "file".
	Storage      string
	DataDir      string
	DatabasePath string

	LogLevel string
	LogFile  string

	// StatusAddr is the listen address of the status API; empty disables it.
	StatusAddr string
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".cobalt")
	return &Config{
		URL:                  "wss://web.whatsapp.com/ws/chat",
		Origin:               "https://web.whatsapp.com",
		Version:              [3]uint32{2, 3000, 1015901307},
		OSName:               "Mac OS",
		BrowserName:          "Chrome",
		RequestTimeout:       60 * time.Second,
		KeepaliveInterval:    20 * time.Second,
		KeepaliveMaxFailures: 3,
		ReconnectAttempts:    10,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ListenerWorkers:      4,
		ListenerQueueSize:    256,
		MinPreKeys:           5,
		PreKeyUploadCount:    30,
		DeviceCacheTTL:       5 * time.Minute,
		Storage:              "sqlite",
		DataDir:              dataDir,
		DatabasePath:         filepath.Join(dataDir, "cobalt.db"),
		LogLevel:             "info",
		StatusAddr:           "",
	}
}

// Load returns the defaults with COBALT_* environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("COBALT_URL", &c.URL)
	str("COBALT_ORIGIN", &c.Origin)
	if v, ok := lookup("COBALT_VERSION"); ok && v != "" {
		version, err := ParseVersion(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("COBALT_VERSION: %v", err))
		} else {
			c.Version = version
		}
	}
	str("COBALT_OS", &c.OSName)
	str("COBALT_BROWSER", &c.BrowserName)
	duration("COBALT_REQUEST_TIMEOUT", &c.RequestTimeout)
	duration("COBALT_KEEPALIVE_INTERVAL", &c.KeepaliveInterval)
	integer("COBALT_KEEPALIVE_MAX_FAILURES", &c.KeepaliveMaxFailures)
	integer("COBALT_RECONNECT_ATTEMPTS", &c.ReconnectAttempts)
	duration("COBALT_RECONNECT_BASE_DELAY", &c.ReconnectBaseDelay)
	duration("COBALT_RECONNECT_MAX_DELAY", &c.ReconnectMaxDelay)
	integer("COBALT_LISTENER_WORKERS", &c.ListenerWorkers)
	integer("COBALT_LISTENER_QUEUE", &c.ListenerQueueSize)
	str("COBALT_STORAGE", &c.Storage)
	if v, ok := lookup("COBALT_DATA_DIR"); ok && v != "" {
		c.DataDir = v
		c.DatabasePath = filepath.Join(v, "cobalt.db")
	}
	str("COBALT_DATABASE_PATH", &c.DatabasePath)
	str("COBALT_LOG_LEVEL", &c.LogLevel)
	str("COBALT_LOG_FILE", &c.LogFile)
	str("COBALT_STATUS_ADDR", &c.StatusAddr)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the socket cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("config: empty websocket url")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("config: request timeout must be positive")
	case c.KeepaliveInterval <= 0:
		return fmt.Errorf("config: keepalive interval must be positive")
	case c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return fmt.Errorf("config: reconnect delays %v..%v", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	case c.ListenerWorkers <= 0:
		return fmt.Errorf("config: listener workers must be positive")
	case c.Storage != "sqlite" && c.Storage != "file":
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	return nil
}

// ParseVersion parses "primary.secondary.tertiary".
func ParseVersion(s string) ([3]uint32, error) {
	var out [3]uint32
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version %q is not x.y.z", s)
	}
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return out, fmt.Errorf("version %q: %w", s, err)
		}
		out[i] = uint32(n)
	}
	return out, nil
}

// VersionString formats Version as x.y.z.
func (c *Config) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", c.Version[0], c.Version[1], c.Version[2])
}
