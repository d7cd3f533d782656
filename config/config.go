// Package config loads rpcd settings from a YAML file and the environment.
//
// Settings are resolved in order: built-in defaults, then the YAML file if
// one exists, then RPCD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"unary-rpc/codec"
)

// Config is the complete rpcd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Limits   LimitsConfig   `yaml:"limits"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"` // address announced in the registry; default is the listen address
	Codec           string        `yaml:"codec"`     // json or binary
	CallTimeout     time.Duration `yaml:"callTimeout"`
	MaxTimeout      time.Duration `yaml:"maxTimeout"` // cap on caller-supplied timeouts
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type RegistryConfig struct {
	Kind        string        `yaml:"kind"` // memory or etcd
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

type LimitsConfig struct {
	Rate   float64 `yaml:"rate"` // calls per second; 0 disables limiting
	Burst  int     `yaml:"burst"`
	PerKey string  `yaml:"perKey"` // metadata key for per-caller buckets

	// IdleTTL is how long an unused per-caller bucket is kept; 0 means the
	// middleware default.
	IdleTTL time.Duration `yaml:"idleTTL"`
}

// DatabaseConfig names an optional SQL resource. An empty driver means none.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // address for the /metrics endpoint; empty disables it
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			Codec:           "json",
			MaxTimeout:      30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Kind:        "memory",
			TTL:         10 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// envVars maps each environment variable to the setting it overrides.
var envVars = map[string]func(*Config, string) error{
	"RPCD_LISTEN":           func(c *Config, v string) error { c.Server.Listen = v; return nil },
	"RPCD_ADVERTISE":        func(c *Config, v string) error { c.Server.Advertise = v; return nil },
	"RPCD_CODEC":            func(c *Config, v string) error { c.Server.Codec = v; return nil },
	"RPCD_CALL_TIMEOUT":     durationVar(func(c *Config) *time.Duration { return &c.Server.CallTimeout }),
	"RPCD_MAX_TIMEOUT":      durationVar(func(c *Config) *time.Duration { return &c.Server.MaxTimeout }),
	"RPCD_SHUTDOWN_TIMEOUT": durationVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	"RPCD_REGISTRY":         func(c *Config, v string) error { c.Registry.Kind = v; return nil },
	"RPCD_ETCD_ENDPOINTS":   func(c *Config, v string) error { c.Registry.Endpoints = splitList(v); return nil },
	"RPCD_REGISTRY_TTL":     durationVar(func(c *Config) *time.Duration { return &c.Registry.TTL }),
	"RPCD_RATE_LIMIT": func(c *Config, v string) (err error) {
		c.Limits.Rate, err = strconv.ParseFloat(v, 64)
		return err
	},
	"RPCD_RATE_BURST": func(c *Config, v string) (err error) {
		c.Limits.Burst, err = strconv.Atoi(v)
		return err
	},
	"RPCD_DB_DRIVER":      func(c *Config, v string) error { c.Database.Driver = v; return nil },
	"RPCD_DB_DSN":         func(c *Config, v string) error { c.Database.DSN = v; return nil },
	"RPCD_METRICS_LISTEN": func(c *Config, v string) error { c.Metrics.Listen = v; return nil },
	"RPCD_LOG_LEVEL":      func(c *Config, v string) error { c.Log.Level = v; return nil },
	"RPCD_LOG_FORMAT":     func(c *Config, v string) error { c.Log.Format = v; return nil },
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyEnv overrides settings from RPCD_* variables. The lookup function has
// the signature of os.LookupEnv. Blank values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range envVars {
		v, ok := lookup(name)
		if v = strings.TrimSpace(v); !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting in c.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Listen != "", "server.listen is required")
	if _, err := codec.ParseType(c.Server.Codec); err != nil {
		errs = append(errs, fmt.Errorf("server.codec: %w", err))
	}
	check(c.Server.CallTimeout >= 0, "server.callTimeout must not be negative")
	check(c.Server.MaxTimeout >= 0, "server.maxTimeout must not be negative")
	check(c.Server.ShutdownTimeout > 0, "server.shutdownTimeout must be positive")

	switch c.Registry.Kind {
	case "memory":
	case "etcd":
		check(len(c.Registry.Endpoints) > 0, "registry.endpoints is required for etcd")
	default:
		errs = append(errs, fmt.Errorf("registry.kind %q is not memory or etcd", c.Registry.Kind))
	}
	check(c.Registry.TTL >= time.Second, "registry.ttl must be at least 1s")

	check(c.Limits.Rate >= 0, "limits.rate must not be negative")
	check(c.Limits.Rate == 0 || c.Limits.Burst > 0, "limits.burst must be positive when limits.rate is set")
	check(c.Limits.IdleTTL >= 0, "limits.idleTTL must not be negative")
	check(c.Database.Driver == "" || c.Database.DSN != "", "database.dsn is required when database.driver is set")

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format %q is not json or console", c.Log.Format)
	return errors.Join(errs...)
}

// Build constructs the logger described by c.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
