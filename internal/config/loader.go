package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults. No
// other CLI flag than the config path is bound into the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("POLITEFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("politefetch")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".politefetch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("dispatcher.pool_size", cfg.Dispatcher.PoolSize)
	v.SetDefault("dispatcher.grow_period", cfg.Dispatcher.GrowPeriod)
	v.SetDefault("dispatcher.stop_when_done", cfg.Dispatcher.StopWhenDone)
	v.SetDefault("dispatcher.agent", cfg.Dispatcher.Agent)
	v.SetDefault("dispatcher.request_timeout", cfg.Dispatcher.RequestTimeout)
	v.SetDefault("dispatcher.redirect_limit", cfg.Dispatcher.RedirectLimit)

	v.SetDefault("scheduler.delay", cfg.Scheduler.Delay)
	v.SetDefault("scheduler.alias_pld", cfg.Scheduler.AliasPLD)

	v.SetDefault("robots.enabled", cfg.Robots.Enabled)
	v.SetDefault("robots.allow_all", cfg.Robots.AllowAll)
	v.SetDefault("robots.ttl", cfg.Robots.TTL)
	v.SetDefault("robots.timeout", cfg.Robots.Timeout)

	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
