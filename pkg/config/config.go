// Package config builds client options from BEACON_* environment variables
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/integrations/dedupe"
	"github.com/Mindburn-Labs/beacon/pkg/integrations/inboundfilters"
	"github.com/Mindburn-Labs/beacon/pkg/integrations/oteltrace"
	"github.com/Mindburn-Labs/beacon/pkg/integrations/runtimecontext"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

// DefaultEnvironment is used when neither file nor environment set one.
const DefaultEnvironment = "production"

// Config holds SDK configuration.
type Config struct {
	DSN         string `yaml:"dsn"`
	Debug       bool   `yaml:"debug"`
	Release     string `yaml:"release"`
	Environment string `yaml:"environment"`
	Dist        string `yaml:"dist"`
	ServerName  string `yaml:"server_name"`

	SampleRate          float64 `yaml:"sample_rate"`
	TracesSampleRate    float64 `yaml:"traces_sample_rate"`
	MaxBreadcrumbs      int     `yaml:"max_breadcrumbs"`
	MaxValueLength      int     `yaml:"max_value_length"`
	MaxEventsPerSecond  float64 `yaml:"max_events_per_second"`
	TransportBufferSize int     `yaml:"transport_buffer_size"`

	DisableClientReports bool          `yaml:"disable_client_reports"`
	ClientReportInterval time.Duration `yaml:"client_report_interval"`

	Redis   RedisConfig   `yaml:"redis"`
	Filters FiltersConfig `yaml:"filters"`
}

// RedisConfig enables rate-limit sharing between processes.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// FiltersConfig configures the inbound filters integration.
type FiltersConfig struct {
	IgnoreErrors       []string `yaml:"ignore_errors"`
	IgnoreTransactions []string `yaml:"ignore_transactions"`
	DropExpressions    []string `yaml:"drop_expressions"`
	ReleaseConstraint  string   `yaml:"release_constraint"`
}

func (f FiltersConfig) empty() bool {
	return len(f.IgnoreErrors) == 0 && len(f.IgnoreTransactions) == 0 &&
		len(f.DropExpressions) == 0 && f.ReleaseConstraint == ""
}

// Load reads configuration from the environment. When BEACON_CONFIG_FILE is
// set the file is read first and the environment overrides it.
func Load() (*Config, error) {
	if path := os.Getenv("BEACON_CONFIG_FILE"); path != "" {
		return LoadFile(path)
	}
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile reads a YAML file; environment variables override its values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.ServerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.ServerName = host
		}
	}
}

func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.DSN, "BEACON_DSN")
	setString(&c.Release, "BEACON_RELEASE")
	setString(&c.Environment, "BEACON_ENVIRONMENT")
	setString(&c.Dist, "BEACON_DIST")
	setString(&c.ServerName, "BEACON_SERVER_NAME")
	setString(&c.Redis.Addr, "BEACON_REDIS_ADDR")
	setString(&c.Redis.Password, "BEACON_REDIS_PASSWORD")
	setString(&c.Redis.Namespace, "BEACON_REDIS_NAMESPACE")
	errs = append(errs,
		setBool(&c.Debug, "BEACON_DEBUG"),
		setBool(&c.DisableClientReports, "BEACON_DISABLE_CLIENT_REPORTS"),
		setFloat(&c.SampleRate, "BEACON_SAMPLE_RATE"),
		setFloat(&c.TracesSampleRate, "BEACON_TRACES_SAMPLE_RATE"),
		setFloat(&c.MaxEventsPerSecond, "BEACON_MAX_EVENTS_PER_SECOND"),
		setInt(&c.MaxBreadcrumbs, "BEACON_MAX_BREADCRUMBS"),
		setInt(&c.MaxValueLength, "BEACON_MAX_VALUE_LENGTH"),
		setInt(&c.TransportBufferSize, "BEACON_TRANSPORT_BUFFER_SIZE"),
		setInt(&c.Redis.DB, "BEACON_REDIS_DB"),
		setDuration(&c.ClientReportInterval, "BEACON_CLIENT_REPORT_INTERVAL"),
	)
	if v := os.Getenv("BEACON_IGNORE_ERRORS"); v != "" {
		c.Filters.IgnoreErrors = splitList(v)
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample_rate %v outside [0, 1]", c.SampleRate))
	}
	if c.TracesSampleRate < 0 || c.TracesSampleRate > 1 {
		errs = append(errs, fmt.Errorf("traces_sample_rate %v outside [0, 1]", c.TracesSampleRate))
	}
	if c.MaxBreadcrumbs < 0 {
		errs = append(errs, fmt.Errorf("max_breadcrumbs %d is negative", c.MaxBreadcrumbs))
	}
	if c.TransportBufferSize < 0 {
		errs = append(errs, fmt.Errorf("transport_buffer_size %d is negative", c.TransportBufferSize))
	}
	return errors.Join(errs...)
}

// ClientOptions maps the configuration to client options with the default
// integrations installed. When a Redis address is configured the rate
// limiter shares its state through Redis for the life of the process.
func (c *Config) ClientOptions() (client.Options, error) {
	if err := c.Validate(); err != nil {
		return client.Options{}, err
	}
	opts := client.Options{
		DSN:                  c.DSN,
		Debug:                c.Debug,
		Release:              c.Release,
		Environment:          c.Environment,
		Dist:                 c.Dist,
		ServerName:           c.ServerName,
		SampleRate:           c.SampleRate,
		TracesSampleRate:     c.TracesSampleRate,
		MaxBreadcrumbs:       c.MaxBreadcrumbs,
		MaxValueLength:       c.MaxValueLength,
		MaxEventsPerSecond:   c.MaxEventsPerSecond,
		TransportBufferSize:  c.TransportBufferSize,
		DisableClientReports: c.DisableClientReports,
		ClientReportInterval: c.ClientReportInterval,
	}

	integrations := []client.Integration{runtimecontext.New(), dedupe.New(), oteltrace.New()}
	if !c.Filters.empty() {
		filters, err := inboundfilters.New(inboundfilters.Options{
			IgnoreErrors:       c.Filters.IgnoreErrors,
			IgnoreTransactions: c.Filters.IgnoreTransactions,
			DropExpressions:    c.Filters.DropExpressions,
			ReleaseConstraint:  c.Filters.ReleaseConstraint,
		})
		if err != nil {
			return client.Options{}, fmt.Errorf("filters: %w", err)
		}
		integrations = append(integrations, filters)
	}
	opts.Integrations = integrations

	if c.Redis.Addr != "" {
		opts.RateLimitStore = ratelimit.NewRedisStore(c.Redis.Addr, c.Redis.Password, c.Redis.DB, c.Redis.Namespace)
	}
	return opts, nil
}
