package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/desensitize"
	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
	"github.com/fishballnoodle/Ops-Copilot/pkg/launcher"
	"github.com/fishballnoodle/Ops-Copilot/pkg/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run the desensitization self-test",
	Long: `Preflight masks a sample FortiGate traffic line and fails when any known
sensitive value (source and destination addresses, MAC, password) is still
present in the output.

By default the built-in desensitizer is checked with the configured secret.
Set preflight.command in opsctl.yaml to check an external masker instead,
for example the Python desensitizer reading lines on stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepareEnvironment(); err != nil {
			return err
		}
		if err := provisionSecret(false); err != nil {
			return err
		}
		res, err := runPreflight(cmd.Context())
		if res.Output != "" {
			uiInstance.KeyValue("input", res.Input)
			uiInstance.KeyValue("output", res.Output)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}

// runPreflight checks the configured masker against the sample line.
func runPreflight(ctx context.Context) (preflight.Result, error) {
	masker, err := preflightMasker()
	if err != nil {
		return preflight.Result{}, launcher.ErrPreflightFailed(nil, err)
	}
	res, err := preflight.Run(ctx, masker, logger)
	if err != nil {
		return res, launcher.ErrPreflightFailed(res.Leaked, err)
	}
	uiInstance.Success(fmt.Sprintf("Desensitization self-test passed (%s)", res.Duration))
	return res, nil
}

// preflightMasker honours KEEP_PRIVATE_RANGES so the self-test exercises
// the same settings the ingester runs with. Reversible mode is never used
// here so the sample never reaches the mapping file.
func preflightMasker() (preflight.Masker, error) {
	if len(cfg.Preflight.Command) > 0 {
		return preflight.CommandMasker{
			Command: cfg.Preflight.Command,
			Dir:     cfg.ProjectDir,
			Env:     os.Environ(),
			Timeout: cfg.Preflight.Timeout,
		}, nil
	}
	d, err := desensitize.New(desensitize.Config{
		Secret:            os.Getenv(envconfig.SecretVar),
		KeepPrivateRanges: envconfig.Bool(os.Getenv("KEEP_PRIVATE_RANGES")),
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
