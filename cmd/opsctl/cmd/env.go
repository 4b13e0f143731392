package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
)

var envExport bool

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show the environment the services will run with",
	Long: `Env resolves every application variable the way 'opsctl run' does:
values from the environment and .env files win, the rest take their
defaults. Nothing is exported to the current shell. Secret values are
shown as their length.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, report, err := applicationEnv()
		if err != nil {
			return err
		}
		vars := envconfig.Defaults()

		if envExport {
			for _, v := range vars {
				val, ok := env.LookupEnv(v.Name)
				if !ok || v.Secret {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", v.Name, strconv.Quote(val))
			}
			return nil
		}

		source := make(map[string]string, len(vars))
		for _, n := range report.Kept {
			source[n] = "env"
		}
		for _, n := range report.Defaulted {
			source[n] = "default"
		}

		table := uiInstance.NewTable("NAME", "VALUE", "SOURCE")
		for _, row := range envconfig.Render(env, vars) {
			src, ok := source[row.Name]
			if !ok || !row.Set {
				src = "unset"
			}
			table.AddRow(row.Name, row.Value, src)
		}
		table.Render()
		return nil
	},
}

// applicationEnv returns a copy of the process environment with .env files
// and defaults applied. The process environment itself is not modified.
func applicationEnv() (*envconfig.MapEnviron, envconfig.Report, error) {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}
	values, err := envconfig.ReadDotEnv(cfg.DotEnv...)
	if err != nil {
		return nil, envconfig.Report{}, err
	}
	for k, v := range values {
		if _, ok := base[k]; !ok {
			base[k] = v
		}
	}

	env := envconfig.NewMapEnviron(base)
	report, err := envconfig.Apply(env, envconfig.Defaults())
	if err != nil {
		return nil, report, err
	}
	return env, report, nil
}

func init() {
	rootCmd.AddCommand(envCmd)

	envCmd.Flags().BoolVar(&envExport, "export", false, "print non-secret variables as shell export statements")
}
