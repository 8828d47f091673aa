// Package config holds the daemon configuration model and its YAML
// load/normalize behavior. Environment variables override file values for the
// secrets that should never live on disk.
package config

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// GoogleConfig carries the OAuth client registration used to mint and refresh
// user tokens. ClientSecret is usually supplied via CALSYNC_GOOGLE_CLIENT_SECRET
// rather than the file.
type GoogleConfig struct {
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	RedirectURL  string   `yaml:"redirect_url" json:"redirect_url"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
}

// SyncConfig bounds the reconciliation window and the webhook channel
// lifetime.
type SyncConfig struct {
	// CalendarID is the provider calendar to reconcile against.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// WindowPastDays / WindowFutureDays bound every sync pass around now.
	WindowPastDays   int `yaml:"window_past_days" json:"window_past_days"`
	WindowFutureDays int `yaml:"window_future_days" json:"window_future_days"`

	// ChannelTTLHours is the requested webhook channel lifetime. Values above
	// the provider's seven-day maximum are capped at registration time.
	ChannelTTLHours int `yaml:"channel_ttl_hours" json:"channel_ttl_hours"`

	// CleanupCron schedules the expired-channel sweep.
	CleanupCron string `yaml:"cleanup_cron" json:"cleanup_cron"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// StoreDSN selects the persistence backend: memory:// or postgres://.
	StoreDSN string `yaml:"store_dsn" json:"store_dsn"`

	// WebhookAddress is the public callback URL registered with the provider
	// for push notifications. Empty disables webhook registration.
	WebhookAddress string `yaml:"webhook_address" json:"webhook_address"`

	Google GoogleConfig `yaml:"google" json:"google"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
}

// DefaultConfig returns the in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills missing or zero values with defaults so a partial config
// file still behaves.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8880"
	}
	if c.StoreDSN == "" {
		c.StoreDSN = "memory://"
	}
	if c.Sync.CalendarID == "" {
		c.Sync.CalendarID = "primary"
	}
	if c.Sync.WindowPastDays <= 0 {
		c.Sync.WindowPastDays = 30
	}
	if c.Sync.WindowFutureDays <= 0 {
		c.Sync.WindowFutureDays = 90
	}
	if c.Sync.ChannelTTLHours <= 0 {
		c.Sync.ChannelTTLHours = 7 * 24
	}
	if c.Sync.CleanupCron == "" {
		c.Sync.CleanupCron = "@hourly"
	}
	if len(c.Google.Scopes) == 0 {
		c.Google.Scopes = []string{"https://www.googleapis.com/auth/calendar"}
	}
}

// applyEnv lets the environment override the file for deploy-time values and
// secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("CALSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CALSYNC_STORE_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("CALSYNC_WEBHOOK_ADDRESS"); v != "" {
		c.WebhookAddress = v
	}
	if v := os.Getenv("CALSYNC_GOOGLE_CLIENT_ID"); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv("CALSYNC_GOOGLE_CLIENT_SECRET"); v != "" {
		c.Google.ClientSecret = v
	}
}

// Load reads configuration from the given YAML path. A missing file is not an
// error; the defaults plus environment overrides apply. An empty path skips
// the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// fall through to defaults
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}
