package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/signaling"
	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling hub",
	Long: `Run the websocket signaling hub that peers register with and relay
offers, answers and ICE candidates through.

Examples:
  directdrop serve
  directdrop serve --listen :9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := signaling.NewHub()
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           signaling.NewServeMux(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("Signaling hub listening", "addr", cfg.ListenAddr)
	ui.PrintSuccessf("Signaling hub listening on %s", cfg.ListenAddr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	ui.PrintInfo("Signaling hub stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&flagOpts.ListenAddr, "listen", "", "Address the signaling hub listens on")
}
