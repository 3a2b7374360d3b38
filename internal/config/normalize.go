package config

import (
	"fmt"
	"os"
	"strings"

	"fgp/internal/layout"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeMonitor()
	c.normalizeLogging()
	return c.normalizeServices()
}

// normalizePaths resolves the services root. FGP_SERVICES_ROOT wins over the
// file so a spawned service always agrees with the front-end that launched it.
func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(layout.EnvServicesRoot); ok && strings.TrimSpace(value) != "" {
		c.Paths.ServicesRoot = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.ServicesRoot) == "" {
		c.Paths.ServicesRoot = defaultServicesRoot
	}
	var err error
	if c.Paths.ServicesRoot, err = expandPath(c.Paths.ServicesRoot); err != nil {
		return fmt.Errorf("paths.services_root: %w", err)
	}
	return nil
}

func (c *Config) normalizeMonitor() {
	seen := make(map[string]struct{}, len(c.Monitor.Services))
	names := make([]string, 0, len(c.Monitor.Services))
	for _, name := range c.Monitor.Services {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	c.Monitor.Services = names
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeServices() error {
	for name, svc := range c.Services {
		svc.Executable = strings.TrimSpace(svc.Executable)
		if strings.HasPrefix(svc.Executable, "~") || strings.ContainsRune(svc.Executable, '/') {
			expanded, err := expandPath(svc.Executable)
			if err != nil {
				return fmt.Errorf("services.%s.executable: %w", name, err)
			}
			svc.Executable = expanded
		}
		c.Services[name] = svc
	}
	return nil
}
