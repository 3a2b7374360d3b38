package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fgp/internal/config"
	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/lifecycle"
	"fgp/internal/logging"
)

type commandContext struct {
	configFlag *string
	rootFlag   *string
	verbose    *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag, rootFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		rootFlag:   rootFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.rootFlag != nil && strings.TrimSpace(*c.rootFlag) != "" {
			root, err := config.ExpandPath(strings.TrimSpace(*c.rootFlag))
			if err != nil {
				c.configErr = fmt.Errorf("resolve --root: %w", err)
				return
			}
			cfg.Paths.ServicesRoot = root
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config, c.configPath, c.configExists = cfg, resolved, exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// cliLogger only surfaces warnings unless --verbose is set; command output
// goes to stdout separately.
func (c *commandContext) cliLogger() *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg := c.configValue()
		level, format := "warn", "console"
		if cfg != nil {
			format = cfg.Logging.Format
		}
		if c.verbose != nil && *c.verbose {
			level = "debug"
		}
		logger, err := logging.New(logging.Options{Level: level, Format: format, OutputPaths: []string{"stderr"}})
		if err != nil {
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) manager() (*lifecycle.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return lifecycle.New(lifecycle.OptionsFromConfig(cfg, c.cliLogger()))
}

func (c *commandContext) servicesRoot() string {
	if cfg := c.configValue(); cfg != nil {
		return cfg.Paths.ServicesRoot
	}
	root, _ := layout.Root()
	return root
}

func (c *commandContext) client(name string) (*ipc.Client, error) {
	if err := layout.ValidateName(name); err != nil {
		return nil, err
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(layout.SocketPath(cfg.Paths.ServicesRoot, name), ipc.WithTimeout(cfg.Client.Timeout())), nil
}

// describeCallError turns transport failures into actionable messages.
func describeCallError(name string, err error) error {
	var appErr *ipc.AppError
	switch {
	case errors.As(err, &appErr):
		return fmt.Errorf("%s: %s", name, appErr.Error())
	case errors.Is(err, ipc.ErrNotRunning):
		return fmt.Errorf("%s is not running; start it with `fgp start %s`", name, name)
	case errors.Is(err, ipc.ErrConnectionRefused):
		return fmt.Errorf("%s refused the connection; its socket is stale, run `fgp start %s`", name, name)
	case errors.Is(err, ipc.ErrTimeout):
		return fmt.Errorf("%s did not answer in time: %w", name, err)
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// displayName renders a service name for humans: "google-drive" becomes
// "Google Drive".
func displayName(name string) string {
	spaced := strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(name)
	return cases.Title(language.English).String(spaced)
}
