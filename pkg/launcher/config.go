package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fishballnoodle/Ops-Copilot/pkg/bootstrap"
)

// StateFileName is the name of the supervisor state file inside RunDir.
const StateFileName = "opsctl.state.json"

// Config holds launcher settings. Relative directories are resolved
// against ProjectDir by Resolve.
type Config struct {
	ProjectDir string `mapstructure:"project_dir"`
	DataDir    string `mapstructure:"data_dir"`
	LogDir     string `mapstructure:"log_dir"`
	RunDir     string `mapstructure:"run_dir"`
	WebDir     string `mapstructure:"web_dir"`

	// APIPort and WebPort are cleared by the port guard before startup.
	APIPort int `mapstructure:"api_port"`
	WebPort int `mapstructure:"web_port"`

	// Manifest optionally replaces the default children with a YAML file.
	Manifest string `mapstructure:"manifest"`

	// DotEnv files are loaded before defaults are applied. Missing files
	// are skipped.
	DotEnv []string `mapstructure:"dotenv"`

	// SecretFile persists a generated desensitization secret across runs
	// when set.
	SecretFile string `mapstructure:"secret_file"`

	Bootstrap  bootstrap.Config `mapstructure:"bootstrap"`
	Preflight  PreflightConfig  `mapstructure:"preflight"`
	PortGuard  PortGuardConfig  `mapstructure:"port_guard"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	// Executable is the opsctl binary used for the serve-static child.
	// Empty means os.Executable.
	Executable string `mapstructure:"executable"`
}

// PreflightConfig toggles the desensitization self-test.
type PreflightConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Command, when set, masks the sample line with an external program
	// instead of the built-in desensitizer.
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PortGuardConfig controls the pre-start port cleanup.
type PortGuardConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Grace   time.Duration `mapstructure:"grace"`
}

// SupervisorConfig tunes child supervision.
type SupervisorConfig struct {
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	BackOffPeriod  time.Duration `mapstructure:"backoff_period"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the settings the shell launcher used.
func DefaultConfig() *Config {
	return &Config{
		ProjectDir: ".",
		DataDir:    "data",
		LogDir:     "data/logs",
		RunDir:     "data/run",
		WebDir:     "web",
		APIPort:    8000,
		WebPort:    5173,
		DotEnv:     []string{".env"},
		Bootstrap: bootstrap.Config{
			Python:       "python3",
			VenvDir:      ".venv",
			Requirements: "requirements.txt",
		},
		Preflight: PreflightConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		PortGuard: PortGuardConfig{
			Enabled: true,
			Grace:   2 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ShutdownGrace:  5 * time.Second,
			ResyncInterval: 10 * time.Second,
			BackOffPeriod:  30 * time.Second,
			ReadyTimeout:   30 * time.Second,
		},
	}
}

// Validate checks ports and durations.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"api_port": c.APIPort, "web_port": c.WebPort} {
		if port < 1 || port > 65535 {
			return ErrInvalidConfiguration(name, port, "must be between 1 and 65535")
		}
	}
	if c.APIPort == c.WebPort {
		return ErrInvalidConfiguration("web_port", c.WebPort, "must differ from api_port")
	}
	if c.Supervisor.ShutdownGrace <= 0 {
		return ErrInvalidConfiguration("supervisor.shutdown_grace", c.Supervisor.ShutdownGrace, "must be positive")
	}
	if c.Supervisor.ResyncInterval <= 0 {
		return ErrInvalidConfiguration("supervisor.resync_interval", c.Supervisor.ResyncInterval, "must be positive")
	}
	if c.Supervisor.BackOffPeriod <= 0 {
		return ErrInvalidConfiguration("supervisor.backoff_period", c.Supervisor.BackOffPeriod, "must be positive")
	}
	return nil
}

// Resolve makes every directory absolute. It is idempotent.
func (c *Config) Resolve() error {
	root, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	c.ProjectDir = root

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.DataDir = abs(c.DataDir)
	c.LogDir = abs(c.LogDir)
	c.RunDir = abs(c.RunDir)
	c.WebDir = abs(c.WebDir)
	c.Manifest = abs(c.Manifest)
	c.SecretFile = abs(c.SecretFile)
	for i, p := range c.DotEnv {
		c.DotEnv[i] = abs(p)
	}

	c.Bootstrap.ProjectDir = root
	c.Bootstrap.VenvDir = abs(c.Bootstrap.VenvDir)
	c.Bootstrap.Requirements = abs(c.Bootstrap.Requirements)

	if c.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate opsctl executable: %w", err)
		}
		c.Executable = exe
	}
	return nil
}

// StateFile is the path of the supervisor state file.
func (c *Config) StateFile() string {
	return filepath.Join(c.RunDir, StateFileName)
}

// EnsureDirs creates the data, log and run directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir, c.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
