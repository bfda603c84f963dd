package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/quantumauth-io/quantum-go-utils/log"
	clienthttp "github.com/quantumauth-io/wallet-session-client/internal/http"
	"github.com/spf13/cobra"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Restore the session and serve the local session API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info("wallet-session",
			"version", build.Version,
			"commit", build.Commit,
			"build_date", build.BuildDate,
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		a.manager.Start(ctx)

		handler := clienthttp.NewHandler(a.manager, a.registry, a.metrics, a.chains)
		router := clienthttp.NewRouter(handler, clienthttp.RouterConfig{
			AllowedOrigins: cfg.ClientSettings.AllowedOrigins,
		})

		addr := listenAddr
		if addr == "" {
			addr = cfg.ListenAddr()
		}
		return clienthttp.Serve(ctx, addr, router)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (defaults to ClientSettings.LocalHost:Port)")
}
