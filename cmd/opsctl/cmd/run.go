package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/bootstrap"
	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
	"github.com/fishballnoodle/Ops-Copilot/pkg/portguard"
	"github.com/fishballnoodle/Ops-Copilot/pkg/procmgr"
	"github.com/fishballnoodle/Ops-Copilot/pkg/secret"
)

var (
	runSkipPreflight bool
	runSkipInstall   bool
	runNoPortGuard   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Prepare the environment and supervise the API, ingester and web server",
	Long: `Run loads .env files and environment defaults, provisions the
desensitization secret, bootstraps the Python virtual environment, runs the
desensitization self-test, frees the API and web ports and then supervises
the api, ingest and web processes until interrupted.

Every child runs in its own process group. On SIGINT or SIGTERM all groups
are terminated, escalating to SIGKILL after the shutdown grace period.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runSkipPreflight, "skip-preflight", false, "skip the desensitization self-test")
	runCmd.Flags().BoolVar(&runSkipInstall, "skip-install", false, "do not run pip install when the venv exists")
	runCmd.Flags().BoolVar(&runNoPortGuard, "no-port-guard", false, "do not terminate processes holding the service ports")
}

const runSteps = 7

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Relative application defaults such as ./data/llm_usage.jsonl are
	// interpreted from the project dir, as the children see them.
	if err := os.Chdir(cfg.ProjectDir); err != nil {
		return launcher.ErrInvalidConfiguration("project_dir", cfg.ProjectDir, err.Error())
	}

	uiInstance.Step(1, runSteps, "Configuring environment")
	if err := prepareEnvironment(); err != nil {
		return err
	}

	uiInstance.Step(2, runSteps, "Provisioning desensitization secret")
	if err := provisionSecret(true); err != nil {
		return err
	}

	uiInstance.Step(3, runSteps, "Bootstrapping Python environment")
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	bcfg := cfg.Bootstrap
	if runSkipInstall {
		bcfg.SkipInstall = true
	}
	runner := bootstrap.ExecRunner{Stdout: cmd.ErrOrStderr(), Stderr: cmd.ErrOrStderr()}
	report, err := bootstrap.Ensure(ctx, bcfg, runner, logger)
	if err != nil {
		return launcher.ErrBootstrapFailed(bcfg.VenvDir, err)
	}
	uiInstance.Subtle(fmt.Sprintf("  venv ready (%d steps, %s)", len(report.Steps), report.Duration.Round(time.Millisecond)))

	uiInstance.Step(4, runSteps, "Desensitization self-test")
	if cfg.Preflight.Enabled && !runSkipPreflight {
		if _, err := runPreflight(ctx); err != nil {
			return err
		}
	} else {
		uiInstance.Subtle("  skipped")
	}

	uiInstance.Step(5, runSteps, "Checking for a running instance")
	if err := launcher.EnsureNotRunning(ctx, cfg.StateFile(), logger); err != nil {
		return err
	}

	uiInstance.Step(6, runSteps, "Freeing service ports")
	if cfg.PortGuard.Enabled && !runNoPortGuard {
		freePorts(ctx)
	} else {
		uiInstance.Subtle("  skipped")
	}

	uiInstance.Step(7, runSteps, "Starting processes")
	return supervise(ctx)
}

// prepareEnvironment loads the dotenv files and exports the application
// defaults. Values already present in the environment win.
func prepareEnvironment() error {
	loaded, err := envconfig.LoadDotEnv(cfg.DotEnv...)
	if err != nil {
		return launcher.ErrInvalidConfiguration("dotenv", cfg.DotEnv, err.Error())
	}
	report, err := envconfig.Apply(envconfig.OSEnviron{}, envconfig.Defaults())
	if err != nil {
		return fmt.Errorf("apply environment defaults: %w", err)
	}
	logger.Debug("environment configured",
		"dotenv", loaded,
		"kept", report.Kept,
		"defaulted", report.Defaulted,
		"missing", report.Missing)
	uiInstance.Subtle(fmt.Sprintf("  %d kept, %d defaulted, %d unset", len(report.Kept), len(report.Defaulted), len(report.Missing)))
	return nil
}

func provisionSecret(persist bool) error {
	opts := secret.Options{Logger: logger}
	if persist {
		opts.PersistFile = cfg.SecretFile
	}
	res, err := secret.Provision(envconfig.OSEnviron{}, opts)
	if err != nil {
		return launcher.NewError(launcher.ErrorCodeSecretFailed, "cannot provision "+envconfig.SecretVar).WithCause(err)
	}
	if res.Weak {
		uiInstance.Warning(fmt.Sprintf("%s is weak (source: %s); set a random value of at least %d characters",
			envconfig.SecretVar, res.Source, secret.MinLength))
	} else {
		uiInstance.Subtle(fmt.Sprintf("  %s from %s", envconfig.SecretVar, res.Source))
	}
	return nil
}

func freePorts(ctx context.Context) {
	guard := portguard.New(
		portguard.WithGrace(cfg.PortGuard.Grace),
		portguard.WithLogger(logger),
	)
	for _, r := range guard.Free(ctx, cfg.APIPort, cfg.WebPort) {
		switch {
		case r.StillBusy:
			err := launcher.ErrPortInUse(r.Port)
			uiInstance.Warning(err.Error())
		case len(r.Found) > 0:
			uiInstance.Subtle(fmt.Sprintf("  port %d: terminated %d process(es)", r.Port, len(r.Found)))
		}
	}
}

func supervise(ctx context.Context) error {
	collector := procmgr.NewPrometheusMetricsCollector("opsctl")
	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, collector.Registry())
		defer shutdown()
	}

	stack, err := launcher.NewBuilder(cfg).
		WithManifest(cfg.Manifest).
		WithLogger(logger).
		WithMetrics(collector).
		Build()
	if err != nil {
		return err
	}

	if err := stack.Start(ctx); err != nil {
		return err
	}

	table := uiInstance.NewTable("CHILD", "PID", "PGID", "LOG")
	for _, c := range stack.Children() {
		table.AddRow(c.Name, fmt.Sprint(c.PID), fmt.Sprint(c.PGID), c.LogFile)
	}
	table.Render()
	uiInstance.Success(fmt.Sprintf("Stack running (run %s). Press Ctrl-C to stop.", stack.RunID()))

	err = stack.Run(ctx)
	uiInstance.Info("All processes stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
