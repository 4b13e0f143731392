package cmd

import (
	"bufio"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/desensitize"
	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
)

var (
	maskRestore bool
	maskStats   bool
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Desensitize log lines read from stdin",
	Long: `Mask copies stdin to stdout, replacing IPv4 addresses, MAC addresses
and password/token/secret values with keyed tokens such as <IP:3f2a9c01d4>.
Settings come from OPS_DESENSE_SECRET, DESENSITIZE_REVERSIBLE,
DESENSITIZE_MAP_PATH and KEEP_PRIVATE_RANGES.

With --restore, tokens found in the input are replaced by the original
values recorded in the reversible mapping file.`,
	Example: `  tail -f /var/log/fortigate.log | opsctl mask
  opsctl mask --restore < report.txt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := applicationEnv()
		if err != nil {
			return err
		}
		get := func(name string) string {
			v, _ := env.LookupEnv(name)
			return v
		}

		reversible := envconfig.Bool(get("DESENSITIZE_REVERSIBLE"))
		if maskRestore && !reversible {
			return launcher.ErrInvalidConfiguration("DESENSITIZE_REVERSIBLE", get("DESENSITIZE_REVERSIBLE"),
				"--restore needs the reversible mapping file")
		}

		d, err := desensitize.New(desensitize.Config{
			Secret:            get(envconfig.SecretVar),
			Reversible:        reversible,
			MappingPath:       projectPath(get("DESENSITIZE_MAP_PATH")),
			KeepPrivateRanges: envconfig.Bool(get("KEEP_PRIVATE_RANGES")),
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("%w (generate one with 'opsctl secret')", err)
		}

		in := bufio.NewScanner(cmd.InOrStdin())
		in.Buffer(make([]byte, 64*1024), 4*1024*1024)
		out := bufio.NewWriter(cmd.OutOrStdout())
		defer out.Flush()

		total := desensitize.Stats{}
		lines := 0
		for in.Scan() {
			line := in.Text()
			if maskRestore {
				line = d.Restore(line)
			} else {
				var stats desensitize.Stats
				line, stats = d.Line(line)
				for k, n := range stats {
					total[k] += n
				}
			}
			lines++
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
		if err := in.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if err := out.Flush(); err != nil {
			return err
		}
		if err := d.Flush(); err != nil {
			return err
		}

		if maskStats {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d lines, %d replacements (IP %d, MAC %d, SECRET %d)\n",
				lines, total.Total(), total[desensitize.KindIP], total[desensitize.KindMAC], total[desensitize.KindSecret])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maskCmd)

	maskCmd.Flags().BoolVar(&maskRestore, "restore", false, "replace tokens with the original values from the mapping file")
	maskCmd.Flags().BoolVar(&maskStats, "stats", false, "print replacement counts to stderr")
}

// projectPath resolves a path from the application environment the way
// the services do, relative to the project dir.
func projectPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.ProjectDir, p)
}
