package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ServicesRoot string `toml:"services_root"`
}

// Lifecycle contains the bounds used when starting and stopping services.
// All values are milliseconds.
type Lifecycle struct {
	ProbeTimeoutMS   int `toml:"probe_timeout_ms"`
	StartupTimeoutMS int `toml:"startup_timeout_ms"`
	StopTimeoutMS    int `toml:"stop_timeout_ms"`
	KillWaitMS       int `toml:"kill_wait_ms"`
	BackoffInitialMS int `toml:"backoff_initial_ms"`
	BackoffMaxMS     int `toml:"backoff_max_ms"`
}

// Monitor contains configuration for the status poller.
type Monitor struct {
	PollIntervalSeconds int      `toml:"poll_interval_seconds"`
	Concurrency         int      `toml:"concurrency"`
	Discover            bool     `toml:"discover"`
	Services            []string `toml:"services"`
}

// Host contains configuration applied by a service when it serves requests.
type Host struct {
	ReadTimeoutSeconds   int `toml:"read_timeout_seconds"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// Client contains configuration for front-end calls into services.
type Client struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Service overrides how a single named service is launched.
type Service struct {
	Executable string            `toml:"executable"`
	Args       []string          `toml:"args"`
	Env        map[string]string `toml:"env"`
}

// Config encapsulates all configuration values for fgp.
//
// Configuration sections by subsystem:
//   - Paths: location of the services root
//   - Lifecycle: probe, startup and stop ceilings plus readiness backoff
//   - Monitor: polling interval, concurrency and tracked names
//   - Host: request read deadline and shutdown grace for service hosts
//   - Client: default front-end call timeout
//   - Logging: log format and level
//   - Services: per-service executable overrides
type Config struct {
	Paths     Paths              `toml:"paths"`
	Lifecycle Lifecycle          `toml:"lifecycle"`
	Monitor   Monitor            `toml:"monitor"`
	Host      Host               `toml:"host"`
	Client    Client             `toml:"client"`
	Logging   Logging            `toml:"logging"`
	Services  map[string]Service `toml:"services"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fgp.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the services root with owner-only permissions.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.ServicesRoot, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.ServicesRoot, err)
	}
	return nil
}

// ServiceOverride returns the launch override for name, if configured.
func (c *Config) ServiceOverride(name string) (Service, bool) {
	if c == nil || c.Services == nil {
		return Service{}, false
	}
	svc, ok := c.Services[name]
	return svc, ok
}

func (l Lifecycle) ProbeTimeout() time.Duration { return ms(l.ProbeTimeoutMS) }

func (l Lifecycle) StartupTimeout() time.Duration { return ms(l.StartupTimeoutMS) }

func (l Lifecycle) StopTimeout() time.Duration { return ms(l.StopTimeoutMS) }

func (l Lifecycle) KillWait() time.Duration { return ms(l.KillWaitMS) }

func (l Lifecycle) BackoffInitial() time.Duration { return ms(l.BackoffInitialMS) }

func (l Lifecycle) BackoffMax() time.Duration { return ms(l.BackoffMaxMS) }

func (m Monitor) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

func (h Host) ReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeoutSeconds) * time.Second
}

func (h Host) ShutdownGrace() time.Duration {
	return time.Duration(h.ShutdownGraceSeconds) * time.Second
}

func (c Client) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func ms(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() (string, error) {
	var buf strings.Builder
	encoder := toml.NewEncoder(&buf)
	encoder.SetIndentTables(true)
	if err := encoder.Encode(c); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return buf.String(), nil
}
