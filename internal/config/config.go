package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Media     MediaConfig
	Scheduler SchedulerConfig
	Cleanup   CleanupConfig
	Webhook   WebhookConfig
	Source    SourceConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// BaseURL is the public address media links in webhook payloads use.
	BaseURL  string
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type MediaConfig struct {
	Dir string
}

type SchedulerConfig struct {
	Workers         int
	CleanupInterval time.Duration
}

type CleanupConfig struct {
	Retention    time.Duration
	LogRetention time.Duration
}

type WebhookConfig struct {
	Timeout     time.Duration
	LinkTTL     time.Duration
	Concurrency int
	Secret      string
}

type SourceConfig struct {
	BaseURL           string
	Username          string
	Password          string
	SessionDir        string
	Timeout           time.Duration
	RequestsPerMinute int
	RescanWindow      int
	MaxDownloadMB     int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8000,
			BaseURL: "http://localhost:8000",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			CleanupInterval: 6 * time.Hour,
		},
		Cleanup: CleanupConfig{
			Retention:    24 * time.Hour,
			LogRetention: 30 * 24 * time.Hour,
		},
		Webhook: WebhookConfig{
			Timeout:     30 * time.Second,
			LinkTTL:     time.Hour,
			Concurrency: 4,
		},
		Source: SourceConfig{
			Timeout:           30 * time.Second,
			RequestsPerMinute: 30,
			RescanWindow:      50,
			MaxDownloadMB:     200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file backend and environment
// variables.
//
// The file lives at $XDG_CONFIG_HOME/mediarelay/config.yaml (falling back to
// ~/.config). Environment variables (MEDIARELAY_*) override file values.
// Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Media.Dir == "" {
		cfg.Media.Dir = filepath.Join(cfg.Storage.DataDir, "media")
	}
	if cfg.Source.SessionDir == "" {
		cfg.Source.SessionDir = filepath.Join(cfg.Storage.DataDir, "sessions")
	}
	return cfg, nil
}

// Validate reports settings the server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Source.BaseURL == "" {
		errs = append(errs, fmt.Errorf("missing required config: source.base_url. "+
			"Set it with `mediarelay config set source.base_url <url>` or MEDIARELAY_SOURCE_BASE_URL"))
	}
	if c.Source.Username != "" && c.Source.Password == "" {
		errs = append(errs, fmt.Errorf("source.username is set but MEDIARELAY_SOURCE_PASSWORD is empty"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers))
	}
	if c.Cleanup.Retention <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.retention must be positive, got %s", c.Cleanup.Retention))
	}
	return errors.Join(errs...)
}

// SlogLevel parses log.level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "mediarelay-data"
		}
	}
	return filepath.Join(dir, "mediarelay")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "mediarelay", "config.yaml")
}
