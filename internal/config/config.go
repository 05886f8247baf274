package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents <data_dir>/config.toml.
type Config struct {
	DataDir     string   `toml:"data_dir"`
	Listen      string   `toml:"listen"`
	LogLevel    string   `toml:"log_level"`
	CORSOrigins []string `toml:"cors_origins"`

	Device  DeviceConfig  `toml:"device"`
	Session SessionConfig `toml:"session"`
	Store   StoreConfig   `toml:"store"`
}

// DeviceConfig selects the whatsmeow device store.
type DeviceConfig struct {
	Dialect string `toml:"dialect"` // sqlite3 or postgres
	DSN     string `toml:"dsn"`     // empty means <data_dir>/devices.db
	OSName  string `toml:"os_name"` // shown in the phone's linked devices list
}

// SessionConfig bounds the per-user session work.
type SessionConfig struct {
	Watchdog          Duration `toml:"watchdog"`
	InitializeWait    Duration `toml:"initialize_wait"`
	DisconnectTimeout Duration `toml:"disconnect_timeout"`
	BackfillChats     int      `toml:"backfill_chats"`
	BackfillMessages  int      `toml:"backfill_messages"`
	BackfillWorkers   int      `toml:"backfill_workers"`
	RefreshInterval   Duration `toml:"refresh_interval"`
	LookupTimeout     Duration `toml:"lookup_timeout"`
	SendTimeout       Duration `toml:"send_timeout"`
	ReplyWindow       int      `toml:"reply_window"`
}

// StoreConfig controls the chat cache.
type StoreConfig struct {
	Retention int  `toml:"retention"`
	Persist   bool `toml:"persist"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":3001",
		LogLevel: "info",
		Device: DeviceConfig{
			Dialect: "sqlite3",
			OSName:  "wabridge",
		},
		Session: SessionConfig{
			Watchdog:          Duration{30 * time.Second},
			InitializeWait:    Duration{5 * time.Second},
			DisconnectTimeout: Duration{5 * time.Second},
			BackfillChats:     50,
			BackfillMessages:  100,
			BackfillWorkers:   4,
			RefreshInterval:   Duration{2 * time.Minute},
			LookupTimeout:     Duration{3 * time.Second},
			SendTimeout:       Duration{30 * time.Second},
			ReplyWindow:       100,
		},
		Store: StoreConfig{
			Retention: 2000,
			Persist:   true,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the config
// file in dataDir if present, then .env and process environment.
func Resolve(dataDir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	cfg, err := Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = Default()
	case err != nil:
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q", port)
		}
		c.Listen = ":" + port
	}
	if v := os.Getenv("WABRIDGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WABRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WABRIDGE_DEVICE_DIALECT"); v != "" {
		c.Device.Dialect = v
	}
	if v := os.Getenv("WABRIDGE_DEVICE_DSN"); v != "" {
		c.Device.DSN = v
	}
	if v := os.Getenv("WABRIDGE_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	return nil
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Device.Dialect {
	case "sqlite3":
	case "postgres":
		if c.Device.DSN == "" {
			errs = append(errs, errors.New("device.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported device.dialect %q", c.Device.Dialect))
	}

	s := c.Session
	for name, d := range map[string]Duration{
		"watchdog":           s.Watchdog,
		"initialize_wait":    s.InitializeWait,
		"disconnect_timeout": s.DisconnectTimeout,
		"refresh_interval":   s.RefreshInterval,
		"lookup_timeout":     s.LookupTimeout,
		"send_timeout":       s.SendTimeout,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive", name))
		}
	}
	for name, n := range map[string]int{
		"session.backfill_chats":    s.BackfillChats,
		"session.backfill_messages": s.BackfillMessages,
		"session.backfill_workers":  s.BackfillWorkers,
		"session.reply_window":      s.ReplyWindow,
		"store.retention":           c.Store.Retention,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
