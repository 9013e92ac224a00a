package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/divijg19/pulse/internal/core"
)

// Backend names for the authority state store.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the on-disk configuration, overlaid with environment variables.
type Config struct {
	User     string `yaml:"user"`
	DBPath   string `yaml:"db_path,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Remote    RemoteConfig    `yaml:"remote"`
	Authority AuthorityConfig `yaml:"authority"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

// RemoteConfig points the local orchestrator at an authority. Empty URL means offline-only.
type RemoteConfig struct {
	URL        string `yaml:"url,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
	AuthSecret string `yaml:"auth_secret,omitempty"`
}

// AuthorityConfig configures `pulse serve`.
type AuthorityConfig struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	Backend       string `yaml:"backend,omitempty"`
	DBPath        string `yaml:"db_path,omitempty"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	AuthSecret    string `yaml:"auth_secret,omitempty"`

	// RateLimit is requests per second per user; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	RateBurst int     `yaml:"rate_burst,omitempty"`
}

// ScheduleConfig mirrors core.Policy in text form. Empty fields keep the defaults.
type ScheduleConfig struct {
	MorningWindow              string `yaml:"morning_window,omitempty"`
	EveningWindow              string `yaml:"evening_window,omitempty"`
	TiredInterval              string `yaml:"tired_interval,omitempty"`
	EmergencyInterval          string `yaml:"emergency_interval,omitempty"`
	EscalationSilenceThreshold int    `yaml:"escalation_silence_threshold,omitempty"`
	EscalationDelay            string `yaml:"escalation_delay,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		User:     "me",
		LogLevel: "info",
		Remote: RemoteConfig{
			Timeout: "5s",
		},
		Authority: AuthorityConfig{
			ListenAddr: ":8080",
			Backend:    BackendSQLite,
			RateLimit:  5,
			RateBurst:  10,
		},
	}
}

// ConfigPath returns the config file location. PULSE_CONFIG overrides it.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("PULSE_CONFIG")); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config path: %w", err)
	}
	return filepath.Join(dir, "pulse", "config.yaml"), nil
}

// Load reads the config file (if any), then .env, then environment overrides.
func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Default(), err
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Default(), err
	}

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load config: .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config from path on top of the defaults. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("load config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile writes cfg as YAML to path, creating parent directories.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("PULSE_USER", &cfg.User)
	setString("PULSE_DB_PATH", &cfg.DBPath)
	setString("PULSE_TIMEZONE", &cfg.Timezone)
	setString("PULSE_LOG_LEVEL", &cfg.LogLevel)
	setString("PULSE_REMOTE_URL", &cfg.Remote.URL)
	setString("PULSE_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	setString("PULSE_LISTEN_ADDR", &cfg.Authority.ListenAddr)
	setString("PULSE_AUTHORITY_BACKEND", &cfg.Authority.Backend)
	setString("PULSE_AUTHORITY_DB_PATH", &cfg.Authority.DBPath)
	setString("PULSE_REDIS_ADDR", &cfg.Authority.RedisAddr)
	setString("PULSE_REDIS_PASSWORD", &cfg.Authority.RedisPassword)
	setString("PULSE_AUTH_SECRET", &cfg.Remote.AuthSecret)
	setString("PULSE_AUTH_SECRET", &cfg.Authority.AuthSecret)

	if v := strings.TrimSpace(os.Getenv("PULSE_REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PULSE_REDIS_DB: %w", err)
		}
		cfg.Authority.RedisDB = n
	}
	return nil
}

// Location resolves the configured timezone. Empty means the process local zone.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RemoteTimeout parses Remote.Timeout, defaulting to 5s.
func (c Config) RemoteTimeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Remote.Timeout))
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Policy builds the scheduling policy from the schedule section and timezone.
func (c Config) Policy() (core.Policy, error) {
	p := core.DefaultPolicy()

	loc, err := c.Location()
	if err != nil {
		return p, fmt.Errorf("policy: %w", err)
	}
	p.Location = loc

	sc := c.Schedule
	if sc.MorningWindow != "" {
		if p.MorningWindow, err = core.ParseWindow(sc.MorningWindow); err != nil {
			return p, fmt.Errorf("policy: morning_window: %w", err)
		}
	}
	if sc.EveningWindow != "" {
		if p.EveningWindow, err = core.ParseWindow(sc.EveningWindow); err != nil {
			return p, fmt.Errorf("policy: evening_window: %w", err)
		}
	}
	if sc.TiredInterval != "" {
		if p.TiredInterval, err = time.ParseDuration(sc.TiredInterval); err != nil {
			return p, fmt.Errorf("policy: tired_interval: %w", err)
		}
	}
	if sc.EmergencyInterval != "" {
		if p.EmergencyInterval, err = time.ParseDuration(sc.EmergencyInterval); err != nil {
			return p, fmt.Errorf("policy: emergency_interval: %w", err)
		}
	}
	if sc.EscalationDelay != "" {
		if p.EscalationDelay, err = time.ParseDuration(sc.EscalationDelay); err != nil {
			return p, fmt.Errorf("policy: escalation_delay: %w", err)
		}
	}
	if sc.EscalationSilenceThreshold != 0 {
		p.EscalationSilenceThreshold = sc.EscalationSilenceThreshold
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
