// Package cmd provides the CLI commands for opsctl
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/cmd/opsctl/internal/config"
	"github.com/fishballnoodle/Ops-Copilot/cmd/opsctl/internal/ui"
	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
	"github.com/fishballnoodle/Ops-Copilot/pkg/logging"
)

var (
	cfg        *launcher.Config
	uiInstance *ui.UI
	logger     *slog.Logger

	configFile string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Ops Copilot launcher",
	Long: `opsctl prepares the environment for the Ops Copilot API server and log
ingester, bootstraps the Python virtual environment, self-tests log
desensitization, and supervises the API, ingester and web UI processes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		uiInstance = ui.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
		logger = logging.New(cmd.ErrOrStderr(), logging.Format(logFormat), logging.ParseLevel(logLevel))
		slog.SetDefault(logger)

		v := config.New()
		if err := v.BindPFlag("project_dir", cmd.Root().PersistentFlags().Lookup("project-dir")); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

func reportError(err error) {
	out := uiInstance
	if out == nil {
		out = ui.NewUI()
	}
	out.Error(err.Error())
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: opsctl.yaml in the project dir)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", string(logging.FormatText), "log format: text or json")
	flags.String("project-dir", ".", "Ops Copilot checkout to run from")

	rootCmd.Version = Version
}
