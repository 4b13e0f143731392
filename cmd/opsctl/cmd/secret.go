package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
	"github.com/fishballnoodle/Ops-Copilot/pkg/secret"
)

var secretExport bool

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a desensitization secret",
	Long: `Secret prints 32 random bytes as hex, suitable for OPS_DESENSE_SECRET.
Tokens are only stable across restarts when the same secret is reused, so
store the value in .env or set secret_file in opsctl.yaml.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secret.Generate(nil)
		if err != nil {
			return err
		}
		if secretExport {
			fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", envconfig.SecretVar, value)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)

	secretCmd.Flags().BoolVar(&secretExport, "export", false, "print as a shell export statement")
}
