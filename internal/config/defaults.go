package config

const (
	defaultConfigPath           = "~/.config/fgp/config.toml"
	defaultServicesRoot         = "~/.fgp/services"
	defaultProbeTimeoutMS       = 500
	defaultStartupTimeoutMS     = 5000
	defaultStopTimeoutMS        = 3000
	defaultKillWaitMS           = 1000
	defaultBackoffInitialMS     = 20
	defaultBackoffMaxMS         = 250
	defaultPollIntervalSeconds  = 5
	defaultMonitorConcurrency   = 4
	defaultReadTimeoutSeconds   = 30
	defaultShutdownGraceSeconds = 2
	defaultClientTimeoutSeconds = 30
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ServicesRoot: defaultServicesRoot,
		},
		Lifecycle: Lifecycle{
			ProbeTimeoutMS:   defaultProbeTimeoutMS,
			StartupTimeoutMS: defaultStartupTimeoutMS,
			StopTimeoutMS:    defaultStopTimeoutMS,
			KillWaitMS:       defaultKillWaitMS,
			BackoffInitialMS: defaultBackoffInitialMS,
			BackoffMaxMS:     defaultBackoffMaxMS,
		},
		Monitor: Monitor{
			PollIntervalSeconds: defaultPollIntervalSeconds,
			Concurrency:         defaultMonitorConcurrency,
			Discover:            true,
		},
		Host: Host{
			ReadTimeoutSeconds:   defaultReadTimeoutSeconds,
			ShutdownGraceSeconds: defaultShutdownGraceSeconds,
		},
		Client: Client{
			TimeoutSeconds: defaultClientTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
