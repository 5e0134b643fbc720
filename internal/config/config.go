// Package config loads the relay configuration.
//
// Values come from an optional YAML file (BULKRELAY_CONFIG) and are then
// overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/bulkrelay/internal/actor"
	"github.com/markus-barta/bulkrelay/internal/connection"
	"github.com/markus-barta/bulkrelay/internal/dispatch"
	"github.com/markus-barta/bulkrelay/internal/sessionstore"
	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration.
type Config struct {
	// Server
	ListenAddr     string   `yaml:"listen"`
	StaticDir      string   `yaml:"static_dir"`
	DataDir        string   `yaml:"data_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console | json

	// ClientID keys the persisted session.
	ClientID string `yaml:"client_id"`

	Session  SessionConfig  `yaml:"session"`
	Remote   RemoteConfig   `yaml:"remote"`
	Local    LocalConfig    `yaml:"local"`
	Retry    RetryConfig    `yaml:"retry"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
}

type SessionConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type RemoteConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type LocalConfig struct {
	Command        string        `yaml:"command"`
	BrowserPath    string        `yaml:"browser_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	SignoutDelay    time.Duration `yaml:"signout_delay"`
	Cooldown        time.Duration `yaml:"cooldown"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	DestroyTimeout  time.Duration `yaml:"destroy_timeout"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

type DispatchConfig struct {
	AddressSuffix string        `yaml:"address_suffix"`
	SendAttempts  int           `yaml:"send_attempts"`
	RetryPause    time.Duration `yaml:"retry_pause"`
	MinInterval   time.Duration `yaml:"min_interval"`
}

// AuthConfig protects the mutating endpoints. Empty TokenHash disables it.
type AuthConfig struct {
	TokenHash         string        `yaml:"token_hash"` // bcrypt
	TOTPSecret        string        `yaml:"totp_secret"`
	RateLimitRequests int           `yaml:"rate_limit"`
	RateLimitWindow   time.Duration `yaml:"rate_window"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	policy := connection.DefaultRetryPolicy()
	disp := dispatch.DefaultOptions()
	return &Config{
		ListenAddr:  ":3000",
		StaticDir:   "public",
		DataDir:     "./data",
		MaxUploadMB: 10,
		LogLevel:    "info",
		LogFormat:   "console",
		ClientID:    "bulkrelay",
		Session: SessionConfig{
			Driver: sessionstore.DriverSQLite,
			Prefix: sessionstore.DefaultPrefix,
		},
		Remote: RemoteConfig{ConnectTimeout: 30 * time.Second},
		Local:  LocalConfig{ConnectTimeout: 90 * time.Second},
		Retry: RetryConfig{
			MaxRetries:      policy.MaxRetries,
			Backoff:         policy.Backoff,
			ReconnectDelay:  policy.ReconnectDelay,
			SignoutDelay:    policy.SignoutDelay,
			Cooldown:        policy.Cooldown,
			SettleDelay:     policy.SettleDelay,
			DestroyTimeout:  policy.DestroyTimeout,
			LivenessTimeout: policy.LivenessTimeout,
		},
		Dispatch: DispatchConfig{
			AddressSuffix: disp.AddressSuffix,
			SendAttempts:  disp.SendAttempts,
			RetryPause:    disp.RetryPause,
			MinInterval:   disp.MinInterval,
		},
		Auth: AuthConfig{
			RateLimitRequests: 5,
			RateLimitWindow:   time.Minute,
		},
	}
}

// LoadConfig loads configuration from BULKRELAY_CONFIG (if set) and the environment.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("BULKRELAY_CONFIG"))
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Session.Path == "" {
		cfg.Session.Path = filepath.Join(cfg.DataDir, "sessions.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	c.ListenAddr = getEnv("BULKRELAY_LISTEN", c.ListenAddr)
	c.StaticDir = getEnv("BULKRELAY_STATIC_DIR", c.StaticDir)
	c.DataDir = getEnv("BULKRELAY_DATA_DIR", c.DataDir)
	if origins := parseList("BULKRELAY_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}
	c.MaxUploadMB = parseInt("BULKRELAY_MAX_UPLOAD_MB", c.MaxUploadMB)

	c.LogLevel = getEnv("BULKRELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("BULKRELAY_LOG_FORMAT", c.LogFormat)
	c.ClientID = getEnv("BULKRELAY_CLIENT_ID", c.ClientID)

	c.Session.Driver = getEnv("BULKRELAY_SESSION_DRIVER", c.Session.Driver)
	c.Session.Path = getEnv("BULKRELAY_SESSION_DB", c.Session.Path)
	c.Session.DSN = getEnv("BULKRELAY_POSTGRES_DSN", c.Session.DSN)
	c.Session.Prefix = getEnv("BULKRELAY_SESSION_PREFIX", c.Session.Prefix)

	c.Remote.Endpoint = getEnv("BULKRELAY_REMOTE_ENDPOINT", c.Remote.Endpoint)
	c.Remote.ConnectTimeout = parseDuration("BULKRELAY_REMOTE_TIMEOUT", c.Remote.ConnectTimeout)

	c.Local.Command = getEnv("BULKRELAY_LOCAL_COMMAND", c.Local.Command)
	c.Local.BrowserPath = getEnv("BULKRELAY_BROWSER_PATH", c.Local.BrowserPath)
	c.Local.ConnectTimeout = parseDuration("BULKRELAY_LOCAL_TIMEOUT", c.Local.ConnectTimeout)

	c.Retry.MaxRetries = parseInt("BULKRELAY_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.Backoff = parseDuration("BULKRELAY_RETRY_BACKOFF", c.Retry.Backoff)
	c.Retry.ReconnectDelay = parseDuration("BULKRELAY_RECONNECT_DELAY", c.Retry.ReconnectDelay)
	c.Retry.SignoutDelay = parseDuration("BULKRELAY_SIGNOUT_DELAY", c.Retry.SignoutDelay)
	c.Retry.Cooldown = parseDuration("BULKRELAY_COOLDOWN", c.Retry.Cooldown)
	c.Retry.SettleDelay = parseDuration("BULKRELAY_SETTLE_DELAY", c.Retry.SettleDelay)
	c.Retry.DestroyTimeout = parseDuration("BULKRELAY_DESTROY_TIMEOUT", c.Retry.DestroyTimeout)
	c.Retry.LivenessTimeout = parseDuration("BULKRELAY_LIVENESS_TIMEOUT", c.Retry.LivenessTimeout)

	c.Dispatch.AddressSuffix = getEnv("BULKRELAY_ADDRESS_SUFFIX", c.Dispatch.AddressSuffix)
	c.Dispatch.SendAttempts = parseInt("BULKRELAY_SEND_ATTEMPTS", c.Dispatch.SendAttempts)
	c.Dispatch.RetryPause = parseDuration("BULKRELAY_SEND_RETRY_PAUSE", c.Dispatch.RetryPause)
	c.Dispatch.MinInterval = parseDuration("BULKRELAY_MIN_INTERVAL", c.Dispatch.MinInterval)

	c.Auth.TokenHash = getEnv("BULKRELAY_TOKEN_HASH", c.Auth.TokenHash)
	c.Auth.TOTPSecret = getEnv("BULKRELAY_TOTP_SECRET", c.Auth.TOTPSecret)
	c.Auth.RateLimitRequests = parseInt("BULKRELAY_RATE_LIMIT", c.Auth.RateLimitRequests)
	c.Auth.RateLimitWindow = parseDuration("BULKRELAY_RATE_WINDOW", c.Auth.RateLimitWindow)
}

func (c *Config) validate() error {
	var errs []string

	if c.Remote.Endpoint == "" && c.Local.Command == "" {
		errs = append(errs, "BULKRELAY_REMOTE_ENDPOINT or BULKRELAY_LOCAL_COMMAND is required")
	}
	switch c.Session.Driver {
	case sessionstore.DriverSQLite, sessionstore.DriverMemory:
	case sessionstore.DriverPostgres:
		if c.Session.DSN == "" {
			errs = append(errs, "BULKRELAY_POSTGRES_DSN is required for the postgres session driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown session driver %q", c.Session.Driver))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "max retries must not be negative")
	}
	if c.Dispatch.SendAttempts < 1 {
		errs = append(errs, "send attempts must be at least 1")
	}
	if c.Auth.TOTPSecret != "" && c.Auth.TokenHash == "" {
		errs = append(errs, "BULKRELAY_TOTP_SECRET requires BULKRELAY_TOKEN_HASH")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasAuth returns true if operator authentication is enabled.
func (c *Config) HasAuth() bool {
	return c.Auth.TokenHash != ""
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.Auth.TOTPSecret != ""
}

// Strategies returns the configured connection strategies, remote first.
func (c *Config) Strategies() []actor.Strategy {
	var out []actor.Strategy
	if c.Remote.Endpoint != "" {
		out = append(out, actor.Strategy{
			Kind:           actor.KindRemote,
			Endpoint:       c.Remote.Endpoint,
			ConnectTimeout: c.Remote.ConnectTimeout,
		})
	}
	if c.Local.Command != "" {
		out = append(out, actor.Strategy{
			Kind:           actor.KindLocal,
			Command:        c.Local.Command,
			BrowserPath:    c.Local.BrowserPath,
			ConnectTimeout: c.Local.ConnectTimeout,
		})
	}
	return out
}

// RetryPolicy returns the connection retry policy.
func (c *Config) RetryPolicy() connection.RetryPolicy {
	return connection.RetryPolicy{
		MaxRetries:      c.Retry.MaxRetries,
		Backoff:         c.Retry.Backoff,
		ReconnectDelay:  c.Retry.ReconnectDelay,
		SignoutDelay:    c.Retry.SignoutDelay,
		Cooldown:        c.Retry.Cooldown,
		SettleDelay:     c.Retry.SettleDelay,
		DestroyTimeout:  c.Retry.DestroyTimeout,
		LivenessTimeout: c.Retry.LivenessTimeout,
	}
}

// DispatchOptions returns the dispatch engine settings.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		AddressSuffix: c.Dispatch.AddressSuffix,
		SendAttempts:  c.Dispatch.SendAttempts,
		RetryPause:    c.Dispatch.RetryPause,
		MinInterval:   c.Dispatch.MinInterval,
	}
}

// SessionStore returns the session store settings.
func (c *Config) SessionStore() sessionstore.Config {
	return sessionstore.Config{
		Driver: c.Session.Driver,
		Path:   c.Session.Path,
		DSN:    c.Session.DSN,
		Prefix: c.Session.Prefix,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
