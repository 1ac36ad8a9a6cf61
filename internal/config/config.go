package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store configures the durable SQLite-backed queue store.
type Store struct {
	DBPath          string        `mapstructure:"db_path"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	SchemaVersion   int           `mapstructure:"schema_version"`
}

// Backoff configures the exponential-backoff-with-jitter formula used
// between retry attempts.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Sync configures the sync engine's drain loop.
type Sync struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      Backoff       `mapstructure:"backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Network configures the reachability monitor.
type Network struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeHost     string        `mapstructure:"probe_host"`
}

// CircuitBreaker configures the resilience layer wrapped around the sync
// engine's HTTP round trips (supplements, but never overrides, the
// per-item classification table).
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

// Observability configures logging, metrics, and the health/metrics HTTP
// server.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// BackgroundSync configures the background-replay trigger registered when
// the mediator enqueues a request while offline.
type BackgroundSync struct {
	Tag      string        `mapstructure:"tag"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Store          Store          `mapstructure:"store"`
	Sync           Sync           `mapstructure:"sync"`
	Network        Network        `mapstructure:"network"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	BackgroundSync BackgroundSync `mapstructure:"background_sync"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{
			DBPath:        "rest-sync-lite.db",
			BusyTimeout:   5 * time.Second,
			SchemaVersion: 2,
		},
		Sync: Sync{
			MaxRetries:     5,
			Backoff:        Backoff{Base: 1 * time.Second, Max: 30 * time.Second},
			RequestTimeout: 30 * time.Second,
		},
		Network: Network{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
			ProbeHost:     "https://clients3.google.com/generate_204",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
			Pause:            100 * time.Millisecond,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		BackgroundSync: BackgroundSync{
			Tag:      "rest-sync-queue",
			Interval: 15 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file (if present) with env-var
// overrides, falling back to defaults when no file exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.db_path", def.Store.DBPath)
	v.SetDefault("store.busy_timeout", def.Store.BusyTimeout)
	v.SetDefault("store.schema_version", def.Store.SchemaVersion)

	v.SetDefault("sync.max_retries", def.Sync.MaxRetries)
	v.SetDefault("sync.backoff.base", def.Sync.Backoff.Base)
	v.SetDefault("sync.backoff.max", def.Sync.Backoff.Max)
	v.SetDefault("sync.request_timeout", def.Sync.RequestTimeout)

	v.SetDefault("network.probe_interval", def.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", def.Network.ProbeTimeout)
	v.SetDefault("network.probe_host", def.Network.ProbeHost)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("background_sync.tag", def.BackgroundSync.Tag)
	v.SetDefault("background_sync.interval", def.BackgroundSync.Interval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Store.DBPath == "" {
		return fmt.Errorf("store.db_path must be non-empty")
	}
	if cfg.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0")
	}
	if cfg.Sync.Backoff.Base <= 0 {
		return fmt.Errorf("sync.backoff.base must be > 0")
	}
	if cfg.Sync.Backoff.Max < cfg.Sync.Backoff.Base {
		return fmt.Errorf("sync.backoff.max must be >= sync.backoff.base")
	}
	if cfg.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.BackgroundSync.Tag == "" {
		return fmt.Errorf("background_sync.tag must be non-empty")
	}
	return nil
}
