// Package config loads runtime configuration from INCONTROL_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"

	"incontrol/internal/observer"
	"incontrol/internal/publish"
)

// Prefix is prepended to every environment variable name.
const Prefix = "INCONTROL"

// Storage backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// DataDir holds the session store and the profile. Empty means
	// ~/.local/state/incontrol.
	DataDir string `envconfig:"DATA_DIR"`
	Store   string `envconfig:"STORE" default:"json"`

	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"incontrol.events"`

	// Listen is the live view address. Empty disables it.
	Listen      string `envconfig:"LISTEN"`
	HistorySize int    `envconfig:"HISTORY_SIZE" default:"200"`

	Command      string `envconfig:"COMMAND" default:"claude"`
	MaxTerminals int    `envconfig:"MAX_TERMINALS" default:"4"`

	Marker           string `envconfig:"MARKER" default:"❯"`
	MaxBufferBytes   int    `envconfig:"MAX_BUFFER_BYTES" default:"1048576"`
	MaxResponseBytes int    `envconfig:"MAX_RESPONSE_BYTES" default:"1048576"`
	CaptureResponses bool   `envconfig:"CAPTURE_RESPONSES" default:"true"`
	StripANSI        bool   `envconfig:"STRIP_ANSI" default:"true"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.resolveDataDir(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Store:            StoreJSON,
		NATSSubject:      publish.DefaultSubjectPrefix,
		HistorySize:      200,
		Command:          "claude",
		MaxTerminals:     4,
		Marker:           observer.DefaultMarker,
		MaxBufferBytes:   observer.DefaultMaxBufferBytes,
		MaxResponseBytes: observer.DefaultMaxResponseBytes,
		CaptureResponses: true,
		StripANSI:        true,
		LogLevel:         "info",
	}
	cfg.resolveDataDir()
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("invalid %s_STORE %q: want %q or %q", Prefix, c.Store, StoreJSON, StoreSQLite)
	}
	if c.Marker == "" {
		return fmt.Errorf("invalid %s_MARKER: must not be empty", Prefix)
	}
	if c.MaxTerminals < 1 {
		return fmt.Errorf("invalid %s_MAX_TERMINALS %d: must be at least 1", Prefix, c.MaxTerminals)
	}
	if c.MaxBufferBytes < 1 {
		return fmt.Errorf("invalid %s_MAX_BUFFER_BYTES %d: must be positive", Prefix, c.MaxBufferBytes)
	}
	if c.MaxResponseBytes < 1 {
		return fmt.Errorf("invalid %s_MAX_RESPONSE_BYTES %d: must be positive", Prefix, c.MaxResponseBytes)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("invalid %s_HISTORY_SIZE %d: must be positive", Prefix, c.HistorySize)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s_LOG_LEVEL: %w", Prefix, err)
	}
	return nil
}

// StorePath is the session store file for the configured backend.
func (c *Config) StorePath() string {
	if c.Store == StoreSQLite {
		return filepath.Join(c.DataDir, "incontrol.db")
	}
	return filepath.Join(c.DataDir, "sessions.json")
}

// ProfilePath is the operator profile file.
func (c *Config) ProfilePath() string {
	return filepath.Join(c.DataDir, "profile.toml")
}

// ObserverOptions translates the engine settings.
func (c *Config) ObserverOptions() []observer.Option {
	return []observer.Option{
		observer.WithMarker(c.Marker),
		observer.WithMaxBufferBytes(c.MaxBufferBytes),
		observer.WithMaxResponseBytes(c.MaxResponseBytes),
		observer.WithResponseCapture(c.CaptureResponses),
		observer.WithANSIStripping(c.StripANSI),
	}
}

func (c *Config) resolveDataDir() error {
	if c.DataDir != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	c.DataDir = filepath.Join(home, ".local", "state", "incontrol")
	return nil
}
