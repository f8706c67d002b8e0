package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEDIARELAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.base_url", typ: kString, env: "MEDIARELAY_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.api_token", typ: kString, env: "MEDIARELAY_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDIARELAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "media.dir", typ: kString, env: "MEDIARELAY_MEDIA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Media.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.Dir },
	},
	{
		key: "scheduler.workers", typ: kInt, env: "MEDIARELAY_SCHEDULER_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.Workers },
	},
	{
		key: "scheduler.cleanup_interval", typ: kDuration, env: "MEDIARELAY_SCHEDULER_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.CleanupInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.CleanupInterval },
	},
	{
		key: "cleanup.retention", typ: kDuration, env: "MEDIARELAY_CLEANUP_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.Retention },
	},
	{
		key: "cleanup.log_retention", typ: kDuration, env: "MEDIARELAY_CLEANUP_LOG_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.LogRetention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.LogRetention },
	},
	{
		key: "webhook.timeout", typ: kDuration, env: "MEDIARELAY_WEBHOOK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Webhook.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Webhook.Timeout },
	},
	{
		key: "webhook.link_ttl", typ: kDuration, env: "MEDIARELAY_WEBHOOK_LINK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Webhook.LinkTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Webhook.LinkTTL },
	},
	{
		key: "webhook.concurrency", typ: kInt, env: "MEDIARELAY_WEBHOOK_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Webhook.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Webhook.Concurrency },
	},
	{
		key: "webhook.secret", typ: kString, env: "MEDIARELAY_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.Secret = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Secret },
	},
	{
		key: "source.base_url", typ: kString, env: "MEDIARELAY_SOURCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Source.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.BaseURL },
	},
	{
		key: "source.username", typ: kString, env: "MEDIARELAY_SOURCE_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Source.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.Username },
	},
	{
		key: "source.password", typ: kString, env: "MEDIARELAY_SOURCE_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Source.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.Password },
	},
	{
		key: "source.session_dir", typ: kString, env: "MEDIARELAY_SOURCE_SESSION_DIR",
		apply:   func(cfg *Config, v any) { cfg.Source.SessionDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.SessionDir },
	},
	{
		key: "source.timeout", typ: kDuration, env: "MEDIARELAY_SOURCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Source.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Source.Timeout },
	},
	{
		key: "source.requests_per_minute", typ: kInt, env: "MEDIARELAY_SOURCE_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Source.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Source.RequestsPerMinute },
	},
	{
		key: "source.rescan_window", typ: kInt, env: "MEDIARELAY_SOURCE_RESCAN_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Source.RescanWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Source.RescanWindow },
	},
	{
		key: "source.max_download_mb", typ: kInt, env: "MEDIARELAY_SOURCE_MAX_DOWNLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Source.MaxDownloadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Source.MaxDownloadMB },
	},
	{
		key: "log.level", typ: kString, env: "MEDIARELAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
