// Package config loads and validates the daemon configuration: global
// settings plus one block per tenant. Configuration comes from a JSON file,
// with ATTIC_ environment variables (optionally via a .env file) filling a
// single-tenant setup when no file is given.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/attic-io/attic/internal/report"
)

// Config is the top-level attic configuration.
type Config struct {
	DataDir string         `json:"data_dir"`
	API     APIConfig      `json:"api"`
	Jobs    JobsConfig     `json:"jobs"`
	Tenants []TenantConfig `json:"tenants"`
}

// APIConfig holds status API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// JobsConfig holds cron schedules shared by all tenants. Each field takes a
// standard cron expression or a predefined one like @every 30m.
type JobsConfig struct {
	Offload    string `json:"offload,omitempty"`     // full sweep over unrecorded tickets
	Continuous string `json:"continuous,omitempty"`  // incremental sweep over recent updates
	CacheSync  string `json:"cache_sync,omitempty"`  // ticket cache refresh
	Recheck    string `json:"recheck,omitempty"`     // reconciliation sweep
}

// TenantConfig wires one source account to one destination bucket.
type TenantConfig struct {
	Slug        string            `json:"slug"`
	Source      SourceConfig      `json:"source"`
	Destination DestinationConfig `json:"destination"`
	Reporters   ReportersConfig   `json:"reporters"`
}

// SourceConfig holds ticketing backend credentials.
type SourceConfig struct {
	Subdomain string `json:"subdomain"`
	Email     string `json:"email"`
	APIToken  string `json:"api_token"`
}

// DestinationConfig holds object storage credentials.
type DestinationConfig struct {
	Endpoint    string `json:"endpoint"`
	AccessKey   string `json:"access_key"`
	SecretKey   string `json:"secret_key"`
	Bucket      string `json:"bucket"`
	LinkTTLDays int    `json:"link_ttl_days,omitempty"`
}

// ReportersConfig holds the optional delivery channels for run summaries.
type ReportersConfig struct {
	Telegram *report.TelegramConfig `json:"telegram,omitempty"`
	Slack    *report.SlackConfig    `json:"slack,omitempty"`
	Email    *report.EmailConfig    `json:"email,omitempty"`
}

const (
	defaultOffloadSchedule    = "@every 6h"
	defaultContinuousSchedule = "@every 30m"
	defaultCacheSyncSchedule  = "@every 12h"
	defaultRecheckSchedule    = "0 3 * * *"
)

// Load reads configuration from a JSON file. A .env file next to the process
// is folded into the environment first so ${ATTIC_*} overrides work the same
// with and without one.
func Load(path string) (*Config, error) {
	godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a single-tenant config from ATTIC_ environment
// variables, loading a .env file first when present.
func LoadFromEnv() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DataDir: getenv("ATTIC_DATA_DIR", "/data"),
		API: APIConfig{
			Host: getenv("ATTIC_API_HOST", "0.0.0.0"),
			Port: getenvInt("ATTIC_API_PORT", 8080),
			Key:  os.Getenv("ATTIC_API_KEY"),
		},
		Tenants: []TenantConfig{{
			Slug: getenv("ATTIC_TENANT", "default"),
			Source: SourceConfig{
				Subdomain: os.Getenv("ATTIC_SOURCE_SUBDOMAIN"),
				Email:     os.Getenv("ATTIC_SOURCE_EMAIL"),
				APIToken:  os.Getenv("ATTIC_SOURCE_API_TOKEN"),
			},
			Destination: DestinationConfig{
				Endpoint:    os.Getenv("ATTIC_DEST_ENDPOINT"),
				AccessKey:   os.Getenv("ATTIC_DEST_ACCESS_KEY"),
				SecretKey:   os.Getenv("ATTIC_DEST_SECRET_KEY"),
				Bucket:      os.Getenv("ATTIC_DEST_BUCKET"),
				LinkTTLDays: getenvInt("ATTIC_DEST_LINK_TTL_DAYS", 0),
			},
		}},
	}

	if token := os.Getenv("ATTIC_TELEGRAM_TOKEN"); token != "" {
		cfg.Tenants[0].Reporters.Telegram = &report.TelegramConfig{
			Token:  token,
			ChatID: int64(getenvInt("ATTIC_TELEGRAM_CHAT_ID", 0)),
		}
	}
	if url := os.Getenv("ATTIC_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Tenants[0].Reporters.Slack = &report.SlackConfig{WebhookURL: url}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Jobs.Offload == "" {
		c.Jobs.Offload = defaultOffloadSchedule
	}
	if c.Jobs.Continuous == "" {
		c.Jobs.Continuous = defaultContinuousSchedule
	}
	if c.Jobs.CacheSync == "" {
		c.Jobs.CacheSync = defaultCacheSyncSchedule
	}
	if c.Jobs.Recheck == "" {
		c.Jobs.Recheck = defaultRecheckSchedule
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks for required fields, collecting every problem before
// reporting so a bad config is fixed in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if len(c.Tenants) == 0 {
		errs = append(errs, "at least one tenant is required")
	}

	seen := make(map[string]bool)
	for i, t := range c.Tenants {
		prefix := fmt.Sprintf("tenants[%d]", i)
		if t.Slug == "" {
			errs = append(errs, prefix+".slug is required")
		} else if seen[t.Slug] {
			errs = append(errs, fmt.Sprintf("%s.slug %q is duplicated", prefix, t.Slug))
		}
		seen[t.Slug] = true

		if t.Source.Subdomain == "" {
			errs = append(errs, prefix+".source.subdomain is required")
		}
		if t.Source.Email == "" {
			errs = append(errs, prefix+".source.email is required")
		}
		if t.Source.APIToken == "" {
			errs = append(errs, prefix+".source.api_token is required")
		}
		if t.Destination.Endpoint == "" {
			errs = append(errs, prefix+".destination.endpoint is required")
		}
		if t.Destination.AccessKey == "" || t.Destination.SecretKey == "" {
			errs = append(errs, prefix+".destination access and secret keys are required")
		}
		if t.Destination.Bucket == "" {
			errs = append(errs, prefix+".destination.bucket is required")
		}
		if tg := t.Reporters.Telegram; tg != nil && (tg.Token == "" || tg.ChatID == 0) {
			errs = append(errs, prefix+".reporters.telegram needs token and chat_id")
		}
		if sl := t.Reporters.Slack; sl != nil && sl.WebhookURL == "" {
			errs = append(errs, prefix+".reporters.slack.webhook_url is required")
		}
		if em := t.Reporters.Email; em != nil && (em.Host == "" || len(em.To) == 0) {
			errs = append(errs, prefix+".reporters.email needs host and recipients")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
