// Package config loads opsctl settings from defaults, opsctl.yaml,
// OPSCTL_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
)

// EnvPrefix prefixes every environment override, e.g.
// OPSCTL_SUPERVISOR_SHUTDOWN_GRACE=10s.
const EnvPrefix = "OPSCTL"

// New returns a viper instance with defaults and environment overrides.
// Flags may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("opsctl")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := launcher.DefaultConfig()
	v.SetDefault("project_dir", d.ProjectDir)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("run_dir", d.RunDir)
	v.SetDefault("web_dir", d.WebDir)
	v.SetDefault("api_port", d.APIPort)
	v.SetDefault("web_port", d.WebPort)
	v.SetDefault("manifest", d.Manifest)
	v.SetDefault("dotenv", d.DotEnv)
	v.SetDefault("secret_file", d.SecretFile)
	v.SetDefault("executable", d.Executable)

	v.SetDefault("bootstrap.python", d.Bootstrap.Python)
	v.SetDefault("bootstrap.dir", d.Bootstrap.VenvDir)
	v.SetDefault("bootstrap.requirements", d.Bootstrap.Requirements)
	v.SetDefault("bootstrap.skip_install", d.Bootstrap.SkipInstall)

	v.SetDefault("preflight.enabled", d.Preflight.Enabled)
	v.SetDefault("preflight.command", d.Preflight.Command)
	v.SetDefault("preflight.timeout", d.Preflight.Timeout)

	v.SetDefault("port_guard.enabled", d.PortGuard.Enabled)
	v.SetDefault("port_guard.grace", d.PortGuard.Grace)

	v.SetDefault("supervisor.shutdown_grace", d.Supervisor.ShutdownGrace)
	v.SetDefault("supervisor.resync_interval", d.Supervisor.ResyncInterval)
	v.SetDefault("supervisor.backoff_period", d.Supervisor.BackOffPeriod)
	v.SetDefault("supervisor.ready_timeout", d.Supervisor.ReadyTimeout)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	return v
}

// Load reads the config file and decodes everything into a resolved
// launcher.Config. An explicit configFile must exist; otherwise
// opsctl.yaml is looked up in the project dir and the working dir, and
// its absence is not an error.
func Load(v *viper.Viper, configFile string) (*launcher.Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(v.GetString("project_dir"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := launcher.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
