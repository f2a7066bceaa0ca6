// Package config loads the zeppayd daemon configuration from YAML or TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both YAML and TOML accept "15s" style strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Ledger backends.
const (
	LedgerEVM    = "evm"
	LedgerMemory = "memory"
)

// Config is the zeppayd runtime configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service" toml:"service"`
	HTTP        HTTPConfig        `yaml:"http" toml:"http"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Sponsorship SponsorshipConfig `yaml:"sponsorship" toml:"sponsorship"`
	Redemption  RedemptionConfig  `yaml:"redemption" toml:"redemption"`
	Journal     JournalConfig     `yaml:"journal" toml:"journal"`
	Cache       CacheConfig       `yaml:"cache" toml:"cache"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	CORS        CORSConfig        `yaml:"cors" toml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
}

// ServiceConfig names the deployment.
type ServiceConfig struct {
	Name string `yaml:"name" toml:"name"`
	Env  string `yaml:"env" toml:"env"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Listen       string   `yaml:"listen" toml:"listen"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// LedgerConfig selects and tunes the ledger backend.
type LedgerConfig struct {
	// Mode is "evm" or "memory". Memory mode runs the contract in-process for development.
	Mode             string         `yaml:"mode" toml:"mode"`
	Endpoint         string         `yaml:"endpoint" toml:"endpoint"`
	ChainID          int64          `yaml:"chain_id" toml:"chain_id"`
	Contract         string         `yaml:"contract" toml:"contract"`
	Token            string         `yaml:"token" toml:"token"`
	Confirmations    uint64         `yaml:"confirmations" toml:"confirmations"`
	PollInterval     Duration       `yaml:"poll_interval" toml:"poll_interval"`
	GasBufferPercent uint64         `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
	ABIFile          string         `yaml:"abi_file" toml:"abi_file"`
	ConfirmRetries   int            `yaml:"confirm_retries" toml:"confirm_retries"`
	ConfirmBackoff   Duration       `yaml:"confirm_backoff" toml:"confirm_backoff"`
	Breaker          BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Keystore         KeystoreConfig `yaml:"keystore" toml:"keystore"`

	// Approval requires an operator to approve every write from the console.
	Approval bool `yaml:"approval" toml:"approval"`

	// OTPShape selects the memory-mode getOtp answer: "bare" or "tuple".
	OTPShape string `yaml:"otp_shape" toml:"otp_shape"`

	// DevFunds is minted to the identity in memory mode.
	DevFunds string `yaml:"dev_funds" toml:"dev_funds"`
}

// BreakerConfig tunes the RPC circuit breaker.
type BreakerConfig struct {
	Failures uint32   `yaml:"failures" toml:"failures"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// KeystoreConfig locates the signing key.
type KeystoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`

	// Address is the identity used in memory mode when no keystore is configured.
	Address string `yaml:"address" toml:"address"`
}

// SponsorshipConfig tunes the sponsor manager.
type SponsorshipConfig struct {
	MaxProbe int `yaml:"max_probe" toml:"max_probe"`
}

// RedemptionConfig tunes redemption sessions.
type RedemptionConfig struct {
	OTPFetchRetries int      `yaml:"otp_fetch_retries" toml:"otp_fetch_retries"`
	OTPFetchBackoff Duration `yaml:"otp_fetch_backoff" toml:"otp_fetch_backoff"`
}

// JournalConfig selects the saga and audit database.
type JournalConfig struct {
	Driver  string `yaml:"driver" toml:"driver"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	DSNFile string `yaml:"dsn_file" toml:"dsn_file"`
}

// CacheConfig tunes the advisory cache.
type CacheConfig struct {
	SnapshotPath      string   `yaml:"snapshot_path" toml:"snapshot_path"`
	ReconcileInterval Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// NotifyConfig selects the code delivery channel.
type NotifyConfig struct {
	// Dispatcher is "log" or "twilio".
	Dispatcher string       `yaml:"dispatcher" toml:"dispatcher"`
	Twilio     TwilioConfig `yaml:"twilio" toml:"twilio"`
}

// TwilioConfig captures Twilio credentials and limits.
type TwilioConfig struct {
	AccountSID    string   `yaml:"account_sid" toml:"account_sid"`
	AuthToken     string   `yaml:"auth_token" toml:"auth_token"`
	AuthTokenEnv  string   `yaml:"auth_token_env" toml:"auth_token_env"`
	AuthTokenFile string   `yaml:"auth_token_file" toml:"auth_token_file"`
	From          string   `yaml:"from" toml:"from"`
	Channel       string   `yaml:"channel" toml:"channel"`
	BaseURL       string   `yaml:"base_url" toml:"base_url"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	Retries       int      `yaml:"retries" toml:"retries"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
}

// AuthConfig configures bearer token verification on the HTTP surface.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// CORSConfig lists what browsers may send cross-origin. Empty lists keep the gateway defaults.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" toml:"allowed_headers"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path. The format follows the extension: .toml is TOML,
// anything else YAML. An empty path yields the defaults, which run against the in-memory
// ledger.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		if err := decode(path, contents, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, contents []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(contents), cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "zeppayd"
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8088"
	}
	if cfg.HTTP.ReadTimeout.Duration == 0 {
		cfg.HTTP.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration == 0 {
		cfg.HTTP.WriteTimeout.Duration = 60 * time.Second
	}
	if cfg.HTTP.IdleTimeout.Duration == 0 {
		cfg.HTTP.IdleTimeout.Duration = 120 * time.Second
	}
	cfg.Ledger.Mode = strings.ToLower(strings.TrimSpace(cfg.Ledger.Mode))
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = LedgerMemory
	}
	if cfg.Ledger.Confirmations == 0 {
		cfg.Ledger.Confirmations = 1
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Ledger.GasBufferPercent == 0 {
		cfg.Ledger.GasBufferPercent = 20
	}
	if cfg.Ledger.ConfirmRetries <= 0 {
		cfg.Ledger.ConfirmRetries = 3
	}
	if cfg.Ledger.ConfirmBackoff.Duration == 0 {
		cfg.Ledger.ConfirmBackoff.Duration = time.Second
	}
	if cfg.Ledger.Breaker.Failures == 0 {
		cfg.Ledger.Breaker.Failures = 5
	}
	if cfg.Ledger.Breaker.Timeout.Duration == 0 {
		cfg.Ledger.Breaker.Timeout.Duration = 30 * time.Second
	}
	if cfg.Ledger.OTPShape == "" {
		cfg.Ledger.OTPShape = "tuple"
	}
	if cfg.Sponsorship.MaxProbe <= 0 {
		cfg.Sponsorship.MaxProbe = 1000
	}
	if cfg.Redemption.OTPFetchRetries <= 0 {
		cfg.Redemption.OTPFetchRetries = 3
	}
	if cfg.Redemption.OTPFetchBackoff.Duration == 0 {
		cfg.Redemption.OTPFetchBackoff.Duration = 250 * time.Millisecond
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Notify.Dispatcher == "" {
		cfg.Notify.Dispatcher = "log"
	}
	if cfg.Notify.Twilio.Timeout.Duration == 0 {
		cfg.Notify.Twilio.Timeout.Duration = 5 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate reports the first inconsistency in cfg.
func (cfg Config) Validate() error {
	switch cfg.Ledger.Mode {
	case LedgerMemory:
	case LedgerEVM:
		if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
			return fmt.Errorf("ledger endpoint must be configured")
		}
		if !isHexAddress(cfg.Ledger.Contract) {
			return fmt.Errorf("ledger contract must be a 0x address")
		}
		if !isHexAddress(cfg.Ledger.Token) {
			return fmt.Errorf("ledger token must be a 0x address")
		}
		if strings.TrimSpace(cfg.Ledger.Keystore.Path) == "" {
			return fmt.Errorf("ledger keystore path must be configured")
		}
	default:
		return fmt.Errorf("ledger mode %q must be %q or %q", cfg.Ledger.Mode, LedgerEVM, LedgerMemory)
	}
	if cfg.Ledger.Keystore.Address != "" && !isHexAddress(cfg.Ledger.Keystore.Address) {
		return fmt.Errorf("ledger keystore address must be a 0x address")
	}
	switch cfg.Ledger.OTPShape {
	case "bare", "tuple":
	default:
		return fmt.Errorf("ledger otp_shape %q must be bare or tuple", cfg.Ledger.OTPShape)
	}
	switch strings.ToLower(cfg.Notify.Dispatcher) {
	case "log":
	case "twilio":
		t := cfg.Notify.Twilio
		if t.AccountSID == "" || t.AuthToken == "" || t.From == "" {
			return fmt.Errorf("twilio account_sid, auth_token and from must be configured")
		}
	default:
		return fmt.Errorf("notify dispatcher %q must be log or twilio", cfg.Notify.Dispatcher)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured when auth is enabled")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0, 1]")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit requests_per_minute must not be negative")
	}
	return nil
}

// resolveSecrets fills secret fields from their _env or _file indirections.
func (cfg *Config) resolveSecrets() error {
	var err error
	if cfg.Notify.Twilio.AuthToken, err = secret("twilio auth_token", cfg.Notify.Twilio.AuthToken, cfg.Notify.Twilio.AuthTokenEnv, cfg.Notify.Twilio.AuthTokenFile); err != nil {
		return err
	}
	if cfg.Auth.HMACSecret, err = secret("auth hmac_secret", cfg.Auth.HMACSecret, cfg.Auth.HMACSecretEnv, cfg.Auth.HMACSecretFile); err != nil {
		return err
	}
	if cfg.Journal.DSN, err = secret("journal dsn", cfg.Journal.DSN, cfg.Journal.DSNEnv, cfg.Journal.DSNFile); err != nil {
		return err
	}
	return nil
}

func secret(name, value, envName, path string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	envName = strings.TrimSpace(envName)
	path = strings.TrimSpace(path)
	switch {
	case envName != "":
		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("%s env %s is empty", name, envName)
		}
		return resolved, nil
	case path != "":
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func isHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(strings.ToLower(s), "0x") && common.IsHexAddress(s)
}
