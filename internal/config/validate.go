package config

import "fmt"

// Validate checks a loaded Config for values the rest of the module
// assumes are already sane (positive pool size, non-negative delay) so
// construction failures surface at startup instead of as a confusing
// zero-value dispatcher later.
func (c *Config) Validate() error {
	if c.Dispatcher.PoolSize <= 0 {
		return fmt.Errorf("config: dispatcher.pool_size must be positive, got %d", c.Dispatcher.PoolSize)
	}
	if c.Dispatcher.GrowPeriod <= 0 {
		return fmt.Errorf("config: dispatcher.grow_period must be positive, got %s", c.Dispatcher.GrowPeriod)
	}
	if c.Scheduler.Delay < 0 {
		return fmt.Errorf("config: scheduler.delay must not be negative, got %s", c.Scheduler.Delay)
	}
	if c.Robots.TTL <= 0 {
		return fmt.Errorf("config: robots.ttl must be positive, got %s", c.Robots.TTL)
	}
	return nil
}
