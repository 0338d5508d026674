package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	appLog "coursecal/internal/log"
)

// Environment variables that override secrets and endpoints after the YAML
// file is read.
const (
	EnvAPIBaseURL    = "COURSECAL_API_BASE_URL"
	EnvSessionCookie = "COURSECAL_SESSION_COOKIE"
	EnvAPIToken      = "COURSECAL_API_TOKEN"
	EnvActingRole    = "COURSECAL_ACTING_ROLE"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultRefreshCron    = "*/15 * * * *"
	defaultHorizonDays    = 30
	defaultBackfillDays   = 1
	defaultMaxOccurrences = 30
	defaultStorePath      = "coursecal-state.json"
)

// APIConfig points at the LMS backend.
type APIConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Timeout is a Go duration ("15s"). Empty means no client timeout.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// SessionCookie is provided by the external auth service.
	SessionCookie string `yaml:"session_cookie,omitempty" json:"-"`
	CookieName    string `yaml:"cookie_name,omitempty" json:"cookie_name,omitempty"`
	Token         string `yaml:"token,omitempty" json:"-"`
}

// TimeoutDuration parses Timeout. Bad values are logged and treated as unset.
func (a APIConfig) TimeoutDuration() time.Duration {
	s := strings.TrimSpace(a.Timeout)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		appLog.Error("invalid api timeout; using none", err, "value", s)
		return 0
	}
	return d
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the console.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the console.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used when an event carries none.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron schedules the background re-sync of the event list.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	HorizonDays    int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays   int `yaml:"backfill_days" json:"backfill_days"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	API APIConfig `yaml:"api" json:"api"`

	// StorePath is the JSON file holding console UI state.
	StorePath string `yaml:"store_path" json:"store_path"`

	// ActingRole applies to requests that carry no X-Acting-Role header.
	ActingRole string `yaml:"acting_role" json:"acting_role"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		WeekStart:      "monday",
		RefreshCron:    defaultRefreshCron,
		HorizonDays:    defaultHorizonDays,
		BackfillDays:   defaultBackfillDays,
		MaxOccurrences: defaultMaxOccurrences,
		LogLevel:       "info",
		StorePath:      defaultStorePath,
		ActingRole:     "user",
	}
}

// Normalize fills zero values so partially written files still work.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "sunday":
		c.WeekStart = "sunday"
	default:
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.ActingRole == "" {
		c.ActingRole = "user"
	}
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
		appLog.Debug("loaded env file", "path", f)
	}
	return nil
}

// ApplyEnv overrides endpoint and credential fields from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIBaseURL)); v != "" {
		c.API.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(EnvSessionCookie); v != "" {
		c.API.SessionCookie = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvActingRole)); v != "" {
		c.ActingRole = v
	}
}

// Load reads the YAML file at path, creating it with defaults on first run,
// then applies environment overrides. Overrides are never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				cfg.ApplyEnv()
				return cfg, err
			}
			appLog.Info("wrote default config", "path", path)
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".coursecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
