// Package config defines politefetch's configuration shape, mirroring
// the teacher's internal/config/config.go: one tagged struct, one
// DefaultConfig, loaded via viper in loader.go.
package config

import "time"

// Config is the root configuration for politefetch.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"  yaml:"scheduler"`
	Robots     RobotsConfig     `mapstructure:"robots"     yaml:"robots"`
	Redis      RedisConfig      `mapstructure:"redis"      yaml:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
}

// DispatcherConfig controls the bounded in-flight pool.
type DispatcherConfig struct {
	PoolSize       int           `mapstructure:"pool_size"       yaml:"pool_size"`
	GrowPeriod     time.Duration `mapstructure:"grow_period"     yaml:"grow_period"`
	StopWhenDone   bool          `mapstructure:"stop_when_done"  yaml:"stop_when_done"`
	Agent          string        `mapstructure:"agent"           yaml:"agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RedirectLimit  int           `mapstructure:"redirect_limit"  yaml:"redirect_limit"`
}

// SchedulerConfig controls per-domain politeness.
type SchedulerConfig struct {
	Delay    time.Duration `mapstructure:"delay"     yaml:"delay"`
	AliasPLD bool          `mapstructure:"alias_pld" yaml:"alias_pld"`
}

// RobotsConfig controls the policy oracle.
type RobotsConfig struct {
	Enabled  bool          `mapstructure:"enabled"   yaml:"enabled"`
	AllowAll bool          `mapstructure:"allow_all" yaml:"allow_all"`
	TTL      time.Duration `mapstructure:"ttl"       yaml:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"   yaml:"timeout"`
}

// RedisConfig controls the persistent queue backend. An empty Addr
// selects the in-memory store instead.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db"       yaml:"db"`
}

// LoggingConfig holds logging settings. cmd/politefetch does not read
// them; its log level comes from the --verbose flag.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr"    yaml:"addr"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults: a small pool,
// a one-second fixed delay, robots respected, in-memory queue.
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			PoolSize:       10,
			GrowPeriod:     30 * time.Second,
			Agent:          "politefetch/1.0",
			RequestTimeout: 45 * time.Second,
			RedirectLimit:  10,
		},
		Scheduler: SchedulerConfig{
			Delay:    1 * time.Second,
			AliasPLD: false,
		},
		Robots: RobotsConfig{
			Enabled: true,
			TTL:     3 * time.Hour,
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}
