// Package bootstrap prepares the Python virtual environment used by the API
// server and the tail ingester.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Config locates the interpreter, the venv and the requirements manifest.
// Relative paths are resolved against ProjectDir.
type Config struct {
	ProjectDir   string `mapstructure:"-"`
	Python       string `mapstructure:"python"`
	VenvDir      string `mapstructure:"dir"`
	Requirements string `mapstructure:"requirements"`
	SkipInstall  bool   `mapstructure:"skip_install"`
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, copying their output to Stdout and
// Stderr.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	return cmd.Run()
}

// Step names a bootstrap action for reporting.
type Step string

const (
	StepCreateVenv Step = "create-venv"
	StepInstall    Step = "pip-install"
)

// Report lists the steps executed by Ensure.
type Report struct {
	Steps    []Step
	Duration time.Duration
}

// VenvPython returns the interpreter inside the venv.
func (c Config) VenvPython() string {
	return filepath.Join(c.resolve(c.VenvDir), "bin", "python")
}

// VenvBin returns the path of an executable installed in the venv.
func (c Config) VenvBin(name string) string {
	return filepath.Join(c.resolve(c.VenvDir), "bin", name)
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.ProjectDir == "" {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

// Ensure creates the venv when its interpreter is missing and then installs
// the requirements manifest. The install runs on every call so that edits
// to the manifest are picked up; a missing manifest is skipped with a
// warning.
func Ensure(ctx context.Context, cfg Config, runner Runner, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bootstrap")
	if runner == nil {
		runner = ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.VenvDir == "" {
		cfg.VenvDir = ".venv"
	}

	start := time.Now()
	var report Report

	venvPython := cfg.VenvPython()
	if _, err := os.Stat(venvPython); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("stat %s: %w", venvPython, err)
		}
		venvDir := cfg.resolve(cfg.VenvDir)
		logger.Info("creating virtual environment", "python", cfg.Python, "dir", venvDir)
		if err := runner.Run(ctx, cfg.ProjectDir, cfg.Python, "-m", "venv", venvDir); err != nil {
			return report, fmt.Errorf("create venv %s: %w", venvDir, err)
		}
		report.Steps = append(report.Steps, StepCreateVenv)
	} else {
		logger.Debug("virtual environment present", "python", venvPython)
	}

	if cfg.SkipInstall {
		logger.Info("skipping requirements install")
		report.Duration = time.Since(start)
		return report, nil
	}

	if strings.TrimSpace(cfg.Requirements) == "" {
		cfg.Requirements = "requirements.txt"
	}
	reqs := cfg.resolve(cfg.Requirements)
	if _, err := os.Stat(reqs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("requirements file not found, skipping install", "path", reqs)
			report.Duration = time.Since(start)
			return report, nil
		}
		return report, fmt.Errorf("stat %s: %w", reqs, err)
	}

	logger.Info("installing requirements", "path", reqs)
	if err := runner.Run(ctx, cfg.ProjectDir, venvPython, "-m", "pip", "install", "-r", reqs); err != nil {
		return report, fmt.Errorf("pip install -r %s: %w", reqs, err)
	}
	report.Steps = append(report.Steps, StepInstall)
	report.Duration = time.Since(start)
	logger.Info("bootstrap complete", "steps", len(report.Steps), "duration", report.Duration)
	return report, nil
}
