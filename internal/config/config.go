package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the outreach scheduler.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Sending   SendingConfig   `yaml:"sending"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AccountConfig describes one sending mailbox identity.
// Credentials are referenced by env var name, never stored in the file.
type AccountConfig struct {
	Email       string `yaml:"email"`
	SenderName  string `yaml:"sender_name"`
	PasswordEnv string `yaml:"password_env"`
	DailyCap    int    `yaml:"daily_cap"`
	StartedAt   string `yaml:"started_at"` // YYYY-MM-DD, used for warmup age
}

// SendingConfig holds the pacing and business-hours window settings.
type SendingConfig struct {
	Timezone              string `yaml:"timezone"`
	HourStart             int    `yaml:"hour_start"`
	HourEnd               int    `yaml:"hour_end"`
	SendOnWeekends        bool   `yaml:"send_on_weekends"`
	MinDelayMinutes       int    `yaml:"min_delay_minutes"`
	MaxDelayMinutes       int    `yaml:"max_delay_minutes"`
	GlobalDailyTarget     int    `yaml:"global_daily_target"` // 0 = per-mailbox caps only
	HardCap               int    `yaml:"hard_cap"`            // provider absolute max per account
	MaxPerRecipientDomain int    `yaml:"max_per_recipient_domain"`
	WebmailMultiplier     int    `yaml:"webmail_multiplier"`

	// BreakSkipProbability is the chance a worker declines a ready send,
	// mimicking a person stepping away. Zero disables it.
	BreakSkipProbability float64 `yaml:"break_skip_probability"`
}

// SessionConfig controls the per-account daily session plan.
type SessionConfig struct {
	MinPerDay      int `yaml:"min_per_day"`
	MaxPerDay      int `yaml:"max_per_day"`
	MinEmails      int `yaml:"min_emails"`
	MaxEmails      int `yaml:"max_emails"`
	MinGapMinutes  int `yaml:"min_gap_minutes"`
	MaxGapMinutes  int `yaml:"max_gap_minutes"`
}

// WarmupConfig holds the weekly ramp limits for young accounts and the
// background warmup traffic settings.
type WarmupConfig struct {
	Enabled    bool `yaml:"enabled"`
	Week1Limit int  `yaml:"week1_limit"`
	Week2Limit int  `yaml:"week2_limit"`
	Week3Limit int  `yaml:"week3_limit"`
	Week4Limit int  `yaml:"week4_limit"`

	// SeedAddresses receive low-volume warmup sends to keep young
	// mailboxes active. Empty disables the warmup producer.
	SeedAddresses []string `yaml:"seed_addresses"`
	SendsPerDay   int      `yaml:"sends_per_day"`
}

// RetryConfig bounds per-request retries and the claim lease.
type RetryConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
	ClaimTTLMinutes    int `yaml:"claim_ttl_minutes"`
}

// BreakerConfig controls the whole-loop circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ProbeSeconds     int `yaml:"probe_seconds"`
}

// TransportConfig selects and configures the mail-submission backend.
type TransportConfig struct {
	Kind   string       `yaml:"kind"` // "smtp", "ses", or "resend"
	SMTP   SMTPConfig   `yaml:"smtp"`
	SES    SESConfig    `yaml:"ses"`
	Resend ResendConfig `yaml:"resend"`
}

// SMTPConfig holds the SMTP submission host settings.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SESConfig holds AWS SES credentials (referenced by env var names).
type SESConfig struct {
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// ResendConfig holds the Resend API key reference.
type ResendConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
}

// Load reads configuration from a YAML file, applying .env and environment
// variable overrides afterwards. A missing file is not an error; defaults
// plus environment values are used.
func Load(path string) (*Config, error) {
	// Best-effort .env load, same as local dev in the rest of the stack
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, LogLevel: "info"},
		Database: DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5},
		Sending: SendingConfig{
			Timezone:              "America/New_York",
			HourStart:             9,
			HourEnd:               17,
			SendOnWeekends:        false,
			MinDelayMinutes:       20,
			MaxDelayMinutes:       35,
			HardCap:               500,
			MaxPerRecipientDomain: 5,
			WebmailMultiplier:     10,
			BreakSkipProbability:  0.03,
		},
		Sessions: SessionConfig{
			MinPerDay:     2,
			MaxPerDay:     3,
			MinEmails:     3,
			MaxEmails:     7,
			MinGapMinutes: 60,
			MaxGapMinutes: 180,
		},
		Warmup: WarmupConfig{
			Enabled:     true,
			Week1Limit:  5,
			Week2Limit:  12,
			Week3Limit:  25,
			Week4Limit:  45,
			SendsPerDay: 3,
		},
		Retry: RetryConfig{
			MaxRetries:         5,
			BaseBackoffSeconds: 60,
			ClaimTTLMinutes:    5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 10,
			ProbeSeconds:     300,
		},
		Transport: TransportConfig{
			Kind: "smtp",
			SMTP: SMTPConfig{Host: "smtppro.zoho.com", Port: 587},
			SES:  SESConfig{Region: "us-east-1"},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("GLOBAL_DAILY_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sending.GlobalDailyTarget = n
		}
	}
	if v := os.Getenv("SEND_ON_WEEKENDS"); v != "" {
		cfg.Sending.SendOnWeekends = v == "true" || v == "1"
	}
	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
}

// Validate checks internal consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.Sending.HourStart >= c.Sending.HourEnd {
		return fmt.Errorf("sending window is empty: hour_start=%d hour_end=%d",
			c.Sending.HourStart, c.Sending.HourEnd)
	}
	if c.Sending.MinDelayMinutes > c.Sending.MaxDelayMinutes {
		return fmt.Errorf("min_delay_minutes %d exceeds max_delay_minutes %d",
			c.Sending.MinDelayMinutes, c.Sending.MaxDelayMinutes)
	}
	if _, err := time.LoadLocation(c.Sending.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Sending.Timezone, err)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.Retry.MaxRetries)
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Email == "" {
			return fmt.Errorf("account with empty email in config")
		}
		if seen[a.Email] {
			return fmt.Errorf("duplicate account %s in config", a.Email)
		}
		seen[a.Email] = true
	}
	return nil
}

// Location returns the configured sending timezone. Validate guarantees it
// parses; the UTC fallback only covers direct struct construction in tests.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sending.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
