package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for visioniqd.
type Config struct {
	LogFormat  string           `mapstructure:"log_format"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Charging   ChargingConfig   `mapstructure:"charging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Collection CollectionConfig `mapstructure:"collection"`
	Weather    WeatherConfig    `mapstructure:"weather"`
}

// UpstreamConfig identifies the vehicle API account.
type UpstreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	VehicleID     string        `mapstructure:"vehicle_id"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	OdometerMiles bool          `mapstructure:"odometer_miles"`
}

// CacheConfig bounds upstream call volume and snapshot retention.
type CacheConfig struct {
	Dir               string        `mapstructure:"dir"`
	DailyLimit        int           `mapstructure:"daily_limit"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
	Timezone          string        `mapstructure:"timezone"`
}

// ChargingConfig tunes the session tracker.
type ChargingConfig struct {
	BatteryCapacityKWh float64       `mapstructure:"battery_capacity_kwh"`
	GapThreshold       time.Duration `mapstructure:"gap_threshold"`
}

// StorageConfig defines the persistence backends.
type StorageConfig struct {
	// Backend selects "csv", "postgres", or "dual".
	Backend  string         `mapstructure:"backend"`
	CSV      CSVConfig      `mapstructure:"csv"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Dual     DualConfig     `mapstructure:"dual"`
}

// CSVConfig holds flat-file backend configuration.
type CSVConfig struct {
	Dir string `mapstructure:"dir"`
}

// PostgresConfig holds relational backend configuration.
type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RawRetention   time.Duration `mapstructure:"raw_retention"`
}

// DualConfig tunes the dual-write coordinator. Primary is always the
// relational backend; the flat files are the best-effort secondary.
type DualConfig struct {
	ReadFromSecondary bool          `mapstructure:"read_from_secondary"`
	SecondaryTimeout  time.Duration `mapstructure:"secondary_timeout"`
}

// CollectionConfig defines poll loop behavior.
type CollectionConfig struct {
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// WeatherConfig tunes the ambient-temperature lookup that enriches battery
// readings carrying a location fix.
type WeatherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $VISIONIQD_CONFIG env → ~/.config/visioniqd/config.yaml → /etc/visioniqd/config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("log_format", "json")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("cache.dir", "/var/lib/visioniqd/cache")
	v.SetDefault("cache.daily_limit", 30)
	v.SetDefault("cache.snapshot_retention", 48*time.Hour)
	v.SetDefault("cache.timezone", "Local")
	v.SetDefault("charging.battery_capacity_kwh", 77.4)
	v.SetDefault("storage.backend", "csv")
	v.SetDefault("storage.csv.dir", "/var/lib/visioniqd/data")
	v.SetDefault("storage.postgres.max_open_conns", 5)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.acquire_timeout", 5*time.Second)
	v.SetDefault("storage.postgres.raw_retention", 10*365*24*time.Hour)
	v.SetDefault("storage.dual.secondary_timeout", 10*time.Second)
	v.SetDefault("collection.metrics_namespace", "visioniqd")
	v.SetDefault("weather.enabled", true)
	v.SetDefault("weather.base_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("weather.timeout", 10*time.Second)
	v.SetDefault("weather.cache_ttl", 30*time.Minute)

	// Env var support
	v.SetEnvPrefix("VISIONIQD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("VISIONIQD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "visioniqd"))
		}
		v.AddConfigPath("/etc/visioniqd")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable; it holds the API token.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Viper's AutomaticEnv does not bind nested keys that never appear in
	// the config file, so the secret gets an explicit override for
	// container injection.
	if tok := os.Getenv("VISIONIQD_UPSTREAM_TOKEN"); tok != "" {
		cfg.Upstream.Token = tok
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.VehicleID == "" {
		return fmt.Errorf("upstream.vehicle_id is required")
	}
	if c.Upstream.Token == "" {
		return fmt.Errorf("upstream.token is required")
	}

	if c.Cache.DailyLimit <= 0 {
		return fmt.Errorf("cache.daily_limit must be positive, got %d", c.Cache.DailyLimit)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.SnapshotRetention <= 0 {
		return fmt.Errorf("cache.snapshot_retention must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("cache.timezone %q is not a valid timezone: %w", c.Cache.Timezone, err)
	}

	if c.Charging.BatteryCapacityKWh <= 0 {
		return fmt.Errorf("charging.battery_capacity_kwh must be positive, got %g", c.Charging.BatteryCapacityKWh)
	}
	if c.Charging.GapThreshold < 0 {
		return fmt.Errorf("charging.gap_threshold must not be negative")
	}

	if c.Weather.Enabled && c.Weather.BaseURL == "" {
		return fmt.Errorf("weather.base_url is required when weather is enabled")
	}

	switch c.Storage.Backend {
	case "csv":
		if c.Storage.CSV.Dir == "" {
			return fmt.Errorf("storage.csv.dir is required for csv backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres backend")
		}
	case "dual":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for dual backend")
		}
		if c.Storage.CSV.Dir == "" {
			return fmt.Errorf("storage.csv.dir is required for dual backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'csv', 'postgres', or 'dual', got %q", c.Storage.Backend)
	}

	return nil
}

// Location resolves the configured budget timezone. "Local" and the empty
// string mean the process timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Cache.Timezone == "" || c.Cache.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Cache.Timezone)
}

// PollInterval is the base gap between collection ticks implied by the
// daily call budget.
func (c *Config) PollInterval() time.Duration {
	return 24 * time.Hour / time.Duration(c.Cache.DailyLimit)
}

// GapThreshold resolves the charging tracker's session-split threshold.
// Unset means 1.5× the poll interval, floored at five minutes.
func (c *Config) GapThreshold() time.Duration {
	if c.Charging.GapThreshold > 0 {
		return c.Charging.GapThreshold
	}
	threshold := c.PollInterval() + c.PollInterval()/2
	if threshold < 5*time.Minute {
		threshold = 5 * time.Minute
	}
	return threshold
}
