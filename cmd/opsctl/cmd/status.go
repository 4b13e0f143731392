package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/cmd/opsctl/internal/ui"
	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the processes of the running stack",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := launcher.Status(cmd.Context(), cfg.StateFile())
		if launcher.IsErrorCode(err, launcher.ErrorCodeNotRunning) {
			if statusJSON {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			uiInstance.Info("No running stack recorded")
			return nil
		}
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		uiInstance.Header("Ops Copilot")
		uiInstance.KeyValue("Run", report.RunID)
		uiInstance.KeyValue("Supervisor", fmt.Sprintf("%d (%s)", report.SupervisorPID, ui.Liveness(report.SupervisorAlive, false)))
		uiInstance.KeyValue("Uptime", time.Since(report.StartedAt).Round(time.Second).String())
		uiInstance.Println("")

		table := uiInstance.NewTable("CHILD", "PID", "PGID", "STATE", "RESTARTS", "LOG")
		for _, c := range report.Children {
			table.AddRow(c.Name, fmt.Sprint(c.PID), fmt.Sprint(c.PGID), ui.Liveness(c.Alive, c.GroupAlive), fmt.Sprint(c.Restarts), c.LogFile)
		}
		table.Render()

		if !report.SupervisorAlive {
			uiInstance.Warning("Supervisor is gone; run 'opsctl stop' to clean up")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
}
