package config

import (
	"errors"
	"fmt"
	"sort"

	"fgp/internal/layout"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Paths.ServicesRoot == "" {
		return errors.New("paths.services_root must be set")
	}
	if err := c.validateLifecycle(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}
	if err := ensurePositiveMap(map[string]int{
		"host.read_timeout_seconds": c.Host.ReadTimeoutSeconds,
		"client.timeout_seconds":    c.Client.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Host.ShutdownGraceSeconds < 0 {
		return errors.New("host.shutdown_grace_seconds must not be negative")
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateServices()
}

func (c *Config) validateLifecycle() error {
	if err := ensurePositiveMap(map[string]int{
		"lifecycle.probe_timeout_ms":   c.Lifecycle.ProbeTimeoutMS,
		"lifecycle.startup_timeout_ms": c.Lifecycle.StartupTimeoutMS,
		"lifecycle.stop_timeout_ms":    c.Lifecycle.StopTimeoutMS,
		"lifecycle.kill_wait_ms":       c.Lifecycle.KillWaitMS,
		"lifecycle.backoff_initial_ms": c.Lifecycle.BackoffInitialMS,
		"lifecycle.backoff_max_ms":     c.Lifecycle.BackoffMaxMS,
	}); err != nil {
		return err
	}
	if c.Lifecycle.BackoffInitialMS > c.Lifecycle.BackoffMaxMS {
		return errors.New("lifecycle.backoff_initial_ms must not exceed lifecycle.backoff_max_ms")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	if err := ensurePositiveMap(map[string]int{
		"monitor.poll_interval_seconds": c.Monitor.PollIntervalSeconds,
		"monitor.concurrency":           c.Monitor.Concurrency,
	}); err != nil {
		return err
	}
	for _, name := range c.Monitor.Services {
		if err := layout.ValidateName(name); err != nil {
			return fmt.Errorf("monitor.services: %w", err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func (c *Config) validateServices() error {
	for name := range c.Services {
		if err := layout.ValidateName(name); err != nil {
			return fmt.Errorf("services: %w", err)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
