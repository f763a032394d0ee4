// Package config defines all configuration for the replication engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPYTRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun bool `mapstructure:"dry_run"`

	// PollInterval is the replication tick period.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MasterID names the account whose trades are replicated. It must match
	// exactly one accounts[] entry with role "master".
	MasterID string `mapstructure:"master_id"`

	// EntryMarginThreshold is the minimum equity drop (currency units) for a
	// batch of completed master orders to count as an entry. Filters
	// mark-to-market noise.
	EntryMarginThreshold float64 `mapstructure:"entry_margin_threshold"`

	// GraceWindow suppresses emergency sync for this long after an entry
	// dispatch: the broker's positions endpoint lags its orders endpoint.
	GraceWindow time.Duration `mapstructure:"grace_window"`

	Broker        BrokerConfig        `mapstructure:"broker"`
	Store         StoreConfig         `mapstructure:"store"`
	Lots          LotsConfig          `mapstructure:"lots"`
	Accounts      []AccountConfig     `mapstructure:"accounts"`
	Admin         AdminConfig         `mapstructure:"admin"`
	SessionExpiry SessionExpiryConfig `mapstructure:"session_expiry"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// BrokerConfig holds the broker HTTP API endpoints and call budget.
type BrokerConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	LoginURL string        `mapstructure:"login_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AccountConfig is one brokerage login as declared in the file. Accounts are
// synced into the directory at startup; access tokens captured via the login
// callback are preserved across restarts and never live in this file.
type AccountConfig struct {
	ID              string  `mapstructure:"id"`
	Role            string  `mapstructure:"role"` // master | child
	APIKey          string  `mapstructure:"api_key"`
	APISecret       string  `mapstructure:"api_secret"`
	Capital         float64 `mapstructure:"capital"`
	MaxCapitalUsage float64 `mapstructure:"max_capital_usage"`
}

// StoreConfig sets where persistent state lives: the SQLite database for
// accounts and the order log, and the strategy-state JSON document.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	StatePath string `mapstructure:"state_path"`
}

// LotsConfig controls lot-size resolution.
//
// Table maps a tradingsymbol substring to a lot size and is matched longest
// substring first ("BANKNIFTY" before "NIFTY"); symbols matching nothing are
// treated as equities with lot size 1. When RefreshCatalogue is set the
// engine pulls the broker's instruments dump at startup and exact catalogue
// symbols take precedence over the table. The substring table is an
// operational fallback, correct only for the symbols the operator curates.
type LotsConfig struct {
	RefreshCatalogue bool             `mapstructure:"refresh_catalogue"`
	Table            map[string]int64 `mapstructure:"table"`
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SessionExpiryConfig schedules the daily token sweep. The broker voids all
// access tokens before market open, so connected accounts are flipped to
// expired on this schedule rather than discovered mid-session.
type SessionExpiryConfig struct {
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPYTRADER_API_KEY_<ID>, COPYTRADER_API_SECRET_<ID>.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPYTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env. Account credentials are keyed by
	// the upper-cased account id so a deployment can keep them out of YAML.
	for i := range cfg.Accounts {
		id := strings.ToUpper(cfg.Accounts[i].ID)
		if key := os.Getenv("COPYTRADER_API_KEY_" + id); key != "" {
			cfg.Accounts[i].APIKey = key
		}
		if secret := os.Getenv("COPYTRADER_API_SECRET_" + id); secret != "" {
			cfg.Accounts[i].APISecret = secret
		}
	}
	if os.Getenv("COPYTRADER_DRY_RUN") == "true" || os.Getenv("COPYTRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills the documented defaults for everything the file may omit.
func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.EntryMarginThreshold == 0 {
		c.EntryMarginThreshold = 500
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 10 * time.Second
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.kite.trade"
	}
	if c.Broker.LoginURL == "" {
		c.Broker.LoginURL = "https://kite.trade/connect/login"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/copytrader.db"
	}
	if c.Store.StatePath == "" {
		c.Store.StatePath = "data/strategy_state.json"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = ":8080"
	}
	if c.SessionExpiry.Cron == "" {
		c.SessionExpiry.Cron = "0 7 * * *"
	}
	if c.SessionExpiry.Timezone == "" {
		c.SessionExpiry.Timezone = "Asia/Kolkata"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("grace_window must be >= 0")
	}
	if c.EntryMarginThreshold < 0 {
		return fmt.Errorf("entry_margin_threshold must be >= 0")
	}
	if c.MasterID == "" {
		return fmt.Errorf("master_id is required")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	masters := 0
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[].id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Role {
		case "master":
			masters++
			if a.ID != c.MasterID {
				return fmt.Errorf("account %q has role master but master_id is %q", a.ID, c.MasterID)
			}
		case "child":
		default:
			return fmt.Errorf("account %q: role must be master or child, got %q", a.ID, a.Role)
		}
		if a.APIKey == "" {
			return fmt.Errorf("account %q: api_key is required (set COPYTRADER_API_KEY_%s)", a.ID, strings.ToUpper(a.ID))
		}
		if a.APISecret == "" {
			return fmt.Errorf("account %q: api_secret is required (set COPYTRADER_API_SECRET_%s)", a.ID, strings.ToUpper(a.ID))
		}
		if a.Capital < 0 {
			return fmt.Errorf("account %q: capital must be >= 0", a.ID)
		}
		if a.MaxCapitalUsage < 0 {
			return fmt.Errorf("account %q: max_capital_usage must be >= 0", a.ID)
		}
	}
	if masters != 1 {
		return fmt.Errorf("exactly one master account is required, got %d", masters)
	}
	if !seen[c.MasterID] {
		return fmt.Errorf("master_id %q has no accounts[] entry", c.MasterID)
	}

	for sym, lot := range c.Lots.Table {
		if lot <= 0 {
			return fmt.Errorf("lots.table[%q] must be > 0", sym)
		}
	}
	return nil
}
