// Package config loads controller settings from an optional TOML file and
// CLOCKWORK_* environment variables. Environment variables win over the
// file; CLOCKWORK_LOG_LEVEL sets log.level.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/daviddao/clockwork/pkg/logger"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "CLOCKWORK"

// Config holds controller settings.
type Config struct {
	// Shards is the number of storage shards the partitioned client fans
	// out to.
	Shards int `mapstructure:"shards"`
	// Workers is the number of timely workers per shard.
	Workers int `mapstructure:"workers"`
	// FrontierInterval is how often frontiers are recorded.
	FrontierInterval time.Duration `mapstructure:"frontier_interval"`
	// DBPath is the SQLite introspection database. Empty disables recording.
	DBPath string `mapstructure:"db_path"`
	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// OraclePoolSize bounds concurrent timestamp oracle reads.
	OraclePoolSize int `mapstructure:"oracle_pool_size"`
	// ShadowDetermination measures how far strict serializable timestamps
	// trail serializable ones.
	ShadowDetermination bool `mapstructure:"shadow_determination"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig mirrors logger.Config for the fields that can be configured.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// Logger returns the logger configuration.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format, AddSource: c.AddSource}
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Shards:              2,
		Workers:             1,
		FrontierInterval:    time.Second,
		DBPath:              ".clockwork/introspection.db",
		MetricsAddr:         "127.0.0.1:9464",
		OraclePoolSize:      16,
		ShadowDetermination: true,
		Log:                 LogConfig{Level: "INFO", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("shards", d.Shards)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("frontier_interval", d.FrontierInterval)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("oracle_pool_size", d.OraclePoolSize)
	v.SetDefault("shadow_determination", d.ShadowDetermination)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)
}

// Load reads path, if non-empty, then applies the environment. A missing
// file is an error when path is given explicitly.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Shards <= 0:
		return errors.Newf("shards must be positive, got %d", c.Shards)
	case c.Workers <= 0:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.FrontierInterval <= 0:
		return errors.Newf("frontier_interval must be positive, got %s", c.FrontierInterval)
	case c.OraclePoolSize <= 0:
		return errors.Newf("oracle_pool_size must be positive, got %d", c.OraclePoolSize)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Newf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
