package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
dry_run: true
poll_interval: 3s
master_id: ZD0001
entry_margin_threshold: 750

broker:
  base_url: https://api.kite.trade

lots:
  table:
    NIFTY: 65
    BANKNIFTY: 30

accounts:
  - id: ZD0001
    role: master
    api_key: master-key
    api_secret: master-secret
  - id: ZD0002
    role: child
    api_key: child-key
    api_secret: child-secret
    capital: 500000
    max_capital_usage: 250000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.DryRun {
		t.Error("dry_run not read")
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("poll_interval = %v, want 3s", cfg.PollInterval)
	}
	if cfg.EntryMarginThreshold != 750 {
		t.Errorf("entry_margin_threshold = %v, want 750", cfg.EntryMarginThreshold)
	}

	// Everything the file omits falls back to documented defaults.
	if cfg.GraceWindow != 10*time.Second {
		t.Errorf("grace_window default = %v, want 10s", cfg.GraceWindow)
	}
	if cfg.Broker.LoginURL == "" || cfg.Broker.Timeout == 0 {
		t.Errorf("broker defaults missing: %+v", cfg.Broker)
	}
	if cfg.Store.Path == "" || cfg.Store.StatePath == "" {
		t.Errorf("store defaults missing: %+v", cfg.Store)
	}
	if cfg.Admin.Listen != ":8080" {
		t.Errorf("admin.listen default = %q, want :8080", cfg.Admin.Listen)
	}
	if cfg.SessionExpiry.Cron != "0 7 * * *" || cfg.SessionExpiry.Timezone != "Asia/Kolkata" {
		t.Errorf("session_expiry defaults = %+v", cfg.SessionExpiry)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}

	if cfg.Lots.Table["NIFTY"] != 65 || cfg.Lots.Table["BANKNIFTY"] != 30 {
		t.Errorf("lots table = %+v", cfg.Lots.Table)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("COPYTRADER_API_KEY_ZD0002", "env-key")
	t.Setenv("COPYTRADER_API_SECRET_ZD0002", "env-secret")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var childAcct *AccountConfig
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == "ZD0002" {
			childAcct = &cfg.Accounts[i]
		}
	}
	if childAcct == nil {
		t.Fatal("child account missing")
	}
	if childAcct.APIKey != "env-key" || childAcct.APISecret != "env-secret" {
		t.Errorf("env override not applied: %+v", childAcct)
	}

	// The master keeps its file values.
	if cfg.Accounts[0].APIKey != "master-key" {
		t.Errorf("master key = %q, want file value", cfg.Accounts[0].APIKey)
	}
}

func TestValidateCatchesBadConfigs(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"missing master id",
			func(c *Config) { c.MasterID = "" },
			"master_id",
		},
		{
			"no accounts",
			func(c *Config) { c.Accounts = nil },
			"at least one account",
		},
		{
			"duplicate ids",
			func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[1]) },
			"duplicate",
		},
		{
			"two masters",
			func(c *Config) {
				extra := c.Accounts[0]
				extra.ID = "ZD0009"
				c.Accounts = append(c.Accounts, extra)
			},
			"master",
		},
		{
			"master id mismatch",
			func(c *Config) { c.MasterID = "ZD0009" },
			"master",
		},
		{
			"unknown role",
			func(c *Config) { c.Accounts[1].Role = "observer" },
			"role",
		},
		{
			"missing secret",
			func(c *Config) { c.Accounts[1].APISecret = "" },
			"api_secret",
		},
		{
			"negative capital",
			func(c *Config) { c.Accounts[1].Capital = -1 },
			"capital",
		},
		{
			"zero lot size",
			func(c *Config) { c.Lots.Table["NIFTY"] = 0 },
			"lots.table",
		},
		{
			"negative poll interval",
			func(c *Config) { c.PollInterval = -time.Second },
			"poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
