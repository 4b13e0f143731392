package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fishballnoodle/Ops-Copilot/pkg/staticserve"
)

var (
	serveDir  string
	serveAddr string
)

var serveStaticCmd = &cobra.Command{
	Use:   "serve-static",
	Short: "Serve the web UI directory over HTTP",
	Long: `Serve-static serves the built web UI. Unknown paths without a file
extension fall back to index.html so client-side routes survive a reload.
GET /healthz reports readiness. The supervisor runs this as the web child.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := serveDir
		if dir == "" {
			dir = cfg.WebDir
		}
		addr := serveAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.WebPort)
		}

		srv, err := staticserve.New(dir, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	rootCmd.AddCommand(serveStaticCmd)

	serveStaticCmd.Flags().StringVar(&serveDir, "dir", "", "directory to serve (default: web_dir)")
	serveStaticCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: :web_port)")
}
