package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 4096
	DefaultOracleTimeout   = "90s"
	DefaultPollInterval    = "15m"
	DefaultTriageLimit     = 50
	DefaultMinConfidence   = 0.7
	DefaultMaxDailySends   = 20
	DefaultAutoThreshold   = 0.95
	DefaultAutoMinSamples  = 10
	DefaultArchiveMailbox  = "Archive"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultIMAPFetchWindow = 25
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Oracle   OracleConfig   `json:"oracle"`
	Store    StoreConfig    `json:"store"`
	Policy   Policy         `json:"policy"`
	Triage   TriageConfig   `json:"triage"`
	Poller   PollerConfig   `json:"poller"`
	Accounts []IMAPAccount  `json:"accounts"`
	Telegram TelegramConfig `json:"telegram"`
	Context  ContextConfig  `json:"context"`
	Log      LogConfig      `json:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" env:"INBOXCLAW_PROVIDER_TYPE"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" env:"INBOXCLAW_API_KEY"`
	BaseURL string `json:"baseUrl,omitempty" env:"INBOXCLAW_BASE_URL"`
}

type OracleConfig struct {
	Model     string `json:"model" env:"INBOXCLAW_ORACLE_MODEL"`
	MaxTokens int    `json:"maxTokens" env:"INBOXCLAW_ORACLE_MAX_TOKENS"`
	Timeout   string `json:"timeout,omitempty" env:"INBOXCLAW_ORACLE_TIMEOUT"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty" env:"INBOXCLAW_DB_PATH"`
}

// Policy holds the send guardrails and auto-approval settings. It is loaded
// once per pass and passed by value into the policy and learning engines.
type Policy struct {
	RequireApproval   bool              `json:"requireApproval" env:"INBOXCLAW_REQUIRE_APPROVAL"`
	MaxDailySends     int               `json:"maxDailySends" env:"INBOXCLAW_MAX_DAILY_SENDS"`
	AllowedRecipients []string          `json:"allowedRecipients" env:"INBOXCLAW_ALLOWED_RECIPIENTS" env-separator:","`
	AllowedDomains    []string          `json:"allowedDomains" env:"INBOXCLAW_ALLOWED_DOMAINS" env-separator:","`
	AutoApprove       AutoApproveConfig `json:"autoApprove"`
}

// AutoApproveConfig gates automatic approval per action. Threshold and
// MinSamples at or below zero mean the defaults (0.95 and 10); there is no
// way to auto-approve without history.
type AutoApproveConfig struct {
	Enabled    bool     `json:"enabled" env:"INBOXCLAW_AUTO_APPROVE"`
	Threshold  float64  `json:"threshold" env:"INBOXCLAW_AUTO_APPROVE_THRESHOLD"`
	MinSamples int      `json:"minSamples" env:"INBOXCLAW_AUTO_APPROVE_MIN_SAMPLES"`
	Actions    []string `json:"actions,omitempty" env:"INBOXCLAW_AUTO_APPROVE_ACTIONS" env-separator:","`
}

type TriageConfig struct {
	Limit         int     `json:"limit" env:"INBOXCLAW_TRIAGE_LIMIT"`
	MinConfidence float64 `json:"minConfidence" env:"INBOXCLAW_TRIAGE_MIN_CONFIDENCE"`
}

type PollerConfig struct {
	Enabled bool   `json:"enabled" env:"INBOXCLAW_POLLER_ENABLED"`
	Every   string `json:"every,omitempty" env:"INBOXCLAW_POLLER_EVERY"`
	Execute bool   `json:"execute" env:"INBOXCLAW_POLLER_EXECUTE"`
}

type IMAPAccount struct {
	Name           string `json:"name"`
	Addr           string `json:"addr"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Mailbox        string `json:"mailbox,omitempty"`
	ArchiveMailbox string `json:"archiveMailbox,omitempty"`
	FetchWindow    int    `json:"fetchWindow,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled" env:"INBOXCLAW_TELEGRAM_ENABLED"`
	Token       string `json:"token" env:"INBOXCLAW_TELEGRAM_TOKEN"`
	OwnerChatID int64  `json:"ownerChatId,omitempty" env:"INBOXCLAW_TELEGRAM_OWNER_CHAT"`
	Proxy       string `json:"proxy,omitempty"`
}

type ContextConfig struct {
	ContactsPath string `json:"contactsPath,omitempty" env:"INBOXCLAW_CONTACTS_PATH"`
	RulesPath    string `json:"rulesPath,omitempty" env:"INBOXCLAW_RULES_PATH"`
}

type LogConfig struct {
	Level  string `json:"level" env:"INBOXCLAW_LOG_LEVEL"`
	Format string `json:"format" env:"INBOXCLAW_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
			Timeout:   DefaultOracleTimeout,
		},
		Policy: Policy{
			RequireApproval: true,
			MaxDailySends:   DefaultMaxDailySends,
			AutoApprove: AutoApproveConfig{
				Threshold:  DefaultAutoThreshold,
				MinSamples: DefaultAutoMinSamples,
			},
		},
		Triage: TriageConfig{
			Limit:         DefaultTriageLimit,
			MinConfidence: DefaultMinConfidence,
		},
		Poller: PollerConfig{
			Every: DefaultPollInterval,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".inboxclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig loads a local .env file into the environment (if present), reads
// config.json (if present) and applies INBOXCLAW_* environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Oracle.Model == "" {
		c.Oracle.Model = def.Oracle.Model
	}
	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = def.Oracle.MaxTokens
	}
	if strings.TrimSpace(c.Oracle.Timeout) == "" {
		c.Oracle.Timeout = def.Oracle.Timeout
	}
	if c.Policy.AutoApprove.Threshold <= 0 {
		c.Policy.AutoApprove.Threshold = DefaultAutoThreshold
	}
	if c.Policy.AutoApprove.MinSamples <= 0 {
		c.Policy.AutoApprove.MinSamples = DefaultAutoMinSamples
	}
	if c.Triage.Limit <= 0 {
		c.Triage.Limit = def.Triage.Limit
	}
	if c.Triage.MinConfidence <= 0 {
		c.Triage.MinConfidence = def.Triage.MinConfidence
	}
	if strings.TrimSpace(c.Poller.Every) == "" {
		c.Poller.Every = def.Poller.Every
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			a.Name = a.Username
		}
		if a.Mailbox == "" {
			a.Mailbox = "INBOX"
		}
		if a.ArchiveMailbox == "" {
			a.ArchiveMailbox = DefaultArchiveMailbox
		}
		if a.FetchWindow <= 0 {
			a.FetchWindow = DefaultIMAPFetchWindow
		}
	}
}

// DBPath returns the configured SQLite path or the default under ConfigDir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "inboxclaw.db")
}

// ContactsPath returns the contacts book path, defaulting under ConfigDir.
func (c *Config) ContactsPath() string {
	if p := strings.TrimSpace(c.Context.ContactsPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "contacts.yaml")
}

// RulesPath returns the user rules path, defaulting under ConfigDir.
func (c *Config) RulesPath() string {
	if p := strings.TrimSpace(c.Context.RulesPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "rules.md")
}

// OracleTimeout parses Oracle.Timeout, falling back to the default.
func (c *Config) OracleTimeout() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.Oracle.Timeout)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultOracleTimeout)
	return d
}

// PollInterval parses Poller.Every, falling back to the default.
func (c *Config) PollInterval() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.Poller.Every)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultPollInterval)
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
