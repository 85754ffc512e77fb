package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CALCCOSTS_NATS_URL
const EnvPrefix = "CALCCOSTS"

// Config is the daemon configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Costs       CostsConfig       `mapstructure:"costs"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or bolt
	Path   string `mapstructure:"path"`
}

type CostsConfig struct {
	StoreTimeout          time.Duration `mapstructure:"store_timeout"`
	PersistWorkers        int           `mapstructure:"persist_workers"`
	DefaultInvocationCost float64       `mapstructure:"default_invocation_cost"`
	DefaultDataInputCost  float64       `mapstructure:"default_data_input_cost"`
	DefaultDataOutputCost float64       `mapstructure:"default_data_output_cost"`
}

type MaintenanceConfig struct {
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
	DecaySchedule     string        `mapstructure:"decay_schedule"`
	DecayFactor       float64       `mapstructure:"decay_factor"`
	HistoryRetention  time.Duration `mapstructure:"history_retention"`
	PruneSchedule     string        `mapstructure:"prune_schedule"`
}

type MonitorConfig struct {
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

// SetDefaults registers the built-in defaults on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "calc-costs")
	v.SetDefault("app.metrics_addr", ":9102")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "function_costs.db")

	v.SetDefault("costs.store_timeout", 5*time.Second)
	v.SetDefault("costs.persist_workers", 4)
	v.SetDefault("costs.default_invocation_cost", float64(time.Millisecond))
	v.SetDefault("costs.default_data_input_cost", 64.0)
	v.SetDefault("costs.default_data_output_cost", 64.0)

	v.SetDefault("maintenance.reconcile_schedule", "@every 30s")
	v.SetDefault("maintenance.decay_schedule", "@every 5m")
	v.SetDefault("maintenance.decay_factor", 0.1)
	v.SetDefault("maintenance.history_retention", 30*24*time.Hour)
	v.SetDefault("maintenance.prune_schedule", "@daily")

	v.SetDefault("monitor.publish_interval", 10*time.Second)
}

// Load reads the configuration. An empty path searches ./config and the
// working directory for config.yaml; a missing file there is not an error.
// Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}
	if c.Maintenance.DecayFactor < 0 || c.Maintenance.DecayFactor > 1 {
		return fmt.Errorf("decay factor %v outside [0,1]", c.Maintenance.DecayFactor)
	}
	if c.Maintenance.ReconcileSchedule == "" {
		return errors.New("reconcile schedule is required")
	}
	return nil
}
