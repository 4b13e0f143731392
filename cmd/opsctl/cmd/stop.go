package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
	"github.com/fishballnoodle/Ops-Copilot/pkg/portguard"
)

var (
	stopGrace     time.Duration
	stopFreePorts bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running stack",
	Long: `Stop asks the supervisor recorded in the state file to shut down and
terminates any child process group that survives it. With --free-ports the
API and web ports are cleared as well, which also covers stacks started
without opsctl.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		grace := cfg.Supervisor.ShutdownGrace
		if stopGrace > 0 {
			grace = stopGrace
		}

		report, err := launcher.Stop(cmd.Context(), cfg.StateFile(), grace, logger)
		switch {
		case launcher.IsErrorCode(err, launcher.ErrorCodeNotRunning):
			uiInstance.Info("No running stack recorded")
		case err != nil:
			return err
		default:
			if report.SupervisorSignaled {
				uiInstance.Subtle(fmt.Sprintf("  supervisor %d signalled", report.SupervisorPID))
			}
			if len(report.Groups) > 0 {
				uiInstance.Subtle(fmt.Sprintf("  terminated %d orphaned process group(s)", len(report.Groups)))
			}
			uiInstance.Success(fmt.Sprintf("Stopped run %s", report.RunID))
		}

		if stopFreePorts {
			guard := portguard.New(portguard.WithGrace(cfg.PortGuard.Grace), portguard.WithLogger(logger))
			for _, r := range guard.Free(cmd.Context(), cfg.APIPort, cfg.WebPort) {
				if r.StillBusy {
					uiInstance.Warning(launcher.ErrPortInUse(r.Port).Error())
				} else if len(r.Found) > 0 {
					uiInstance.Subtle(fmt.Sprintf("  port %d: terminated %d process(es)", r.Port, len(r.Found)))
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)

	stopCmd.Flags().DurationVar(&stopGrace, "grace", 0, "time to wait before SIGKILL (default: supervisor.shutdown_grace)")
	stopCmd.Flags().BoolVar(&stopFreePorts, "free-ports", false, "also terminate whatever listens on the API and web ports")
}
