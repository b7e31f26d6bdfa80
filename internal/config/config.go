package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitHub    GitHubConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Collect   CollectConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Platform  PlatformConfig
	Telemetry TelemetryConfig
	Subjects  []SubjectConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures provider API interactions.
type GitHubConfig struct {
	GraphQLEndpoint string
	APIBaseURL      string
	RequestTimeout  time.Duration
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
}

// RetryConfig configures job retries.
type RetryConfig struct {
	MaxAttempts int
	Delays      []time.Duration
}

// CollectConfig bounds the harvest pipeline.
type CollectConfig struct {
	Workers         int
	MaxPages        int
	DiscoveryWindow time.Duration
	HarvestInterval time.Duration
}

// StoreConfig configures the raw fact store.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// DatabaseConfig configures the statistics database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// PlatformConfig configures the platform snapshot.
type PlatformConfig struct {
	RecomputeThreshold int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// SubjectConfig is one harvested account and its credential.
type SubjectConfig struct {
	ID    string `yaml:"id"`
	Login string `yaml:"login"`
	Token string `yaml:"token"`
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}

	if c.RateLimit.MinRemainingThreshold < 0 {
		errs = append(errs, "rate_limit.min_remaining_threshold must be >= 0")
	}

	if len(c.Retry.Delays) == 0 {
		errs = append(errs, "retry.delays must contain at least one duration")
	}

	if c.Collect.Workers <= 0 {
		errs = append(errs, "collect.workers must be > 0")
	}
	if c.Collect.MaxPages <= 0 {
		errs = append(errs, "collect.max_pages must be > 0")
	}
	if c.Collect.DiscoveryWindow <= 0 {
		errs = append(errs, "collect.discovery_window must be > 0")
	}

	if c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required")
	}

	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	if len(c.Subjects) == 0 {
		errs = append(errs, "subjects must contain at least one account")
	}
	seenLogins := make(map[string]struct{}, len(c.Subjects))
	for i, subject := range c.Subjects {
		prefix := fmt.Sprintf("subjects[%d]", i)
		if subject.Login == "" {
			errs = append(errs, prefix+".login is required")
		}
		if subject.Token == "" {
			errs = append(errs, prefix+".token is required")
		}
		if _, ok := seenLogins[subject.Login]; ok {
			errs = append(errs, "subjects contains duplicate login: "+subject.Login)
		}
		seenLogins[subject.Login] = struct{}{}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.GitHub.GraphQLEndpoint == "" {
		cfg.GitHub.GraphQLEndpoint = "https://api.github.com/graphql"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit.MinRemainingThreshold == 0 {
		cfg.RateLimit.MinRemainingThreshold = 100
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if len(cfg.Retry.Delays) == 0 {
		cfg.Retry.Delays = []time.Duration{30 * time.Second, 2 * time.Minute}
	}
	if cfg.Collect.Workers == 0 {
		cfg.Collect.Workers = 4
	}
	if cfg.Collect.MaxPages == 0 {
		cfg.Collect.MaxPages = 20
	}
	if cfg.Collect.DiscoveryWindow == 0 {
		cfg.Collect.DiscoveryWindow = 365 * 24 * time.Hour
	}
	if cfg.Collect.HarvestInterval == 0 {
		cfg.Collect.HarvestInterval = 6 * time.Hour
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "harvester"
	}
	if cfg.Platform.RecomputeThreshold == 0 {
		cfg.Platform.RecomputeThreshold = 10
	}
	for i := range cfg.Subjects {
		if cfg.Subjects[i].ID == "" {
			cfg.Subjects[i].ID = cfg.Subjects[i].Login
		}
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig    `yaml:"server"`
	GitHub    rawGitHub       `yaml:"github"`
	RateLimit rawRateLimit    `yaml:"rate_limit"`
	Retry     rawRetry        `yaml:"retry"`
	Collect   rawCollect      `yaml:"collect"`
	Store     rawStore        `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Platform  rawPlatform     `yaml:"platform"`
	Telemetry rawTelemetry    `yaml:"telemetry"`
	Subjects  []SubjectConfig `yaml:"subjects"`
}

type rawGitHub struct {
	GraphQLEndpoint string   `yaml:"graphql_endpoint"`
	APIBaseURL      string   `yaml:"api_base_url"`
	RequestTimeout  duration `yaml:"request_timeout"`
}

type rawRateLimit struct {
	MinRemainingThreshold int `yaml:"min_remaining_threshold"`
}

type rawRetry struct {
	MaxAttempts int        `yaml:"max_attempts"`
	Delays      []duration `yaml:"delays"`
}

type rawCollect struct {
	Workers         int      `yaml:"workers"`
	MaxPages        int      `yaml:"max_pages"`
	DiscoveryWindow duration `yaml:"discovery_window"`
	HarvestInterval duration `yaml:"harvest_interval"`
}

type rawStore struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Namespace     string `yaml:"namespace"`
}

type rawPlatform struct {
	RecomputeThreshold int `yaml:"recompute_threshold"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		GitHub: GitHubConfig{
			GraphQLEndpoint: r.GitHub.GraphQLEndpoint,
			APIBaseURL:      r.GitHub.APIBaseURL,
			RequestTimeout:  r.GitHub.RequestTimeout.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
		},
		Retry: RetryConfig{
			MaxAttempts: r.Retry.MaxAttempts,
			Delays:      make([]time.Duration, 0, len(r.Retry.Delays)),
		},
		Collect: CollectConfig{
			Workers:         r.Collect.Workers,
			MaxPages:        r.Collect.MaxPages,
			DiscoveryWindow: r.Collect.DiscoveryWindow.Duration,
			HarvestInterval: r.Collect.HarvestInterval.Duration,
		},
		Store: StoreConfig{
			RedisAddr:     r.Store.RedisAddr,
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			Namespace:     r.Store.Namespace,
		},
		Database: r.Database,
		Platform: PlatformConfig{
			RecomputeThreshold: r.Platform.RecomputeThreshold,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
		Subjects: r.Subjects,
	}

	for _, delay := range r.Retry.Delays {
		cfg.Retry.Delays = append(cfg.Retry.Delays, delay.Duration)
	}

	return cfg
}
