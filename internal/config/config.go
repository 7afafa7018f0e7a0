// Package config loads the application configuration from YAML. Known
// providers fill in server settings automatically; a generic IMAP
// account spells everything out.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/realmail/realmail/internal/model"
)

// AccountConfig is one configured mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Email is the mailbox address, also used as the login name.
	Email string `mapstructure:"email" yaml:"email"`

	// DisplayName is shown as the sender name on outbound mail.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`

	// Provider selects server defaults and the OAuth2 endpoints:
	// "gmail", "outlook" or "imap" for explicit settings.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Auth is "oauth2" or "password". Defaults to oauth2 for known
	// providers and password for generic IMAP.
	Auth string `mapstructure:"auth" yaml:"auth"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`

	// SMTPSecurity is "SSL" (465) or "STARTTLS" (587).
	SMTPSecurity string `mapstructure:"smtp_security" yaml:"smtp_security"`
}

// Account converts the entry to the model type the protocol layers
// consume.
func (c AccountConfig) Account() model.Account {
	return model.Account{
		ID:           c.ID,
		Email:        c.Email,
		DisplayName:  c.DisplayName,
		Provider:     model.Provider(c.Provider),
		IMAPHost:     c.IMAPHost,
		IMAPPort:     c.IMAPPort,
		IMAPSecurity: model.SecuritySSL,
		SMTPHost:     c.SMTPHost,
		SMTPPort:     c.SMTPPort,
		SMTPSecurity: model.SecurityType(c.SMTPSecurity),
		AuthType:     model.AuthType(c.Auth),
	}
}

// OAuthConfig is the client registration used for a provider's OAuth2
// flow.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
}

// SyncConfig tunes the mailbox synchronization loops.
type SyncConfig struct {
	// IntervalSec is the full-sync interval; IDLE push shortens the
	// effective latency when the server supports it.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// QueueConfig tunes the outbound send queue.
type QueueConfig struct {
	// PollSec is how often an idle delivery loop re-checks the outbox.
	PollSec int `mapstructure:"poll_sec" yaml:"poll_sec"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level application configuration.
type Config struct {
	Accounts []AccountConfig        `mapstructure:"accounts" yaml:"accounts"`
	OAuth    map[string]OAuthConfig `mapstructure:"oauth" yaml:"oauth"`
	Sync     SyncConfig             `mapstructure:"sync" yaml:"sync"`
	Queue    QueueConfig            `mapstructure:"queue" yaml:"queue"`
	Log      LogConfig              `mapstructure:"log" yaml:"log"`

	// DatabasePath overrides the default local database location.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/realmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "realmail", "config.yaml")
}

// DefaultDatabasePath returns ~/.local/share/realmail/realmail.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "realmail.db")
	}
	return filepath.Join(home, ".local", "share", "realmail", "realmail.db")
}

func defaultConfig() *Config {
	return &Config{
		Sync:  SyncConfig{IntervalSec: 300},
		Queue: QueueConfig{PollSec: 2},
		Log:   LogConfig{Level: "info"},
	}
}

// providerDefaults holds the server settings known providers imply.
var providerDefaults = map[string]AccountConfig{
	"gmail": {
		IMAPHost: "imap.gmail.com", IMAPPort: 993,
		SMTPHost: "smtp.gmail.com", SMTPPort: 465,
		SMTPSecurity: string(model.SecuritySSL),
		Auth:         string(model.AuthOAuth2),
	},
	"outlook": {
		IMAPHost: "outlook.office365.com", IMAPPort: 993,
		SMTPHost: "smtp.office365.com", SMTPPort: 587,
		SMTPSecurity: string(model.SecurityStartTLS),
		Auth:         string(model.AuthOAuth2),
	},
}

// Load reads configuration from the given YAML file path using Viper.
// A missing file yields the default configuration rather than an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sync.interval_sec", 300)
	v.SetDefault("queue.poll_sec", 2)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath()
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
		if err := cfg.Accounts[i].Account().Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

func applyAccountDefaults(acct *AccountConfig) {
	if acct.ID == "" {
		acct.ID = acct.Email
	}
	defaults, known := providerDefaults[acct.Provider]
	if !known {
		if acct.Provider == "" {
			acct.Provider = string(model.ProviderIMAP)
		}
		if acct.Auth == "" {
			acct.Auth = string(model.AuthPassword)
		}
		if acct.SMTPSecurity == "" {
			acct.SMTPSecurity = string(model.SecuritySSL)
		}
		return
	}
	if acct.IMAPHost == "" {
		acct.IMAPHost = defaults.IMAPHost
	}
	if acct.IMAPPort == 0 {
		acct.IMAPPort = defaults.IMAPPort
	}
	if acct.SMTPHost == "" {
		acct.SMTPHost = defaults.SMTPHost
	}
	if acct.SMTPPort == 0 {
		acct.SMTPPort = defaults.SMTPPort
	}
	if acct.SMTPSecurity == "" {
		acct.SMTPSecurity = defaults.SMTPSecurity
	}
	if acct.Auth == "" {
		acct.Auth = defaults.Auth
	}
}

// Save writes the given configuration to a YAML file at path, creating
// parent directories if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("oauth", cfg.OAuth)
	v.Set("sync", cfg.Sync)
	v.Set("queue", cfg.Queue)
	v.Set("log", cfg.Log)
	if cfg.DatabasePath != "" {
		v.Set("database_path", cfg.DatabasePath)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
