package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soddygo/kode-acp/internal/app"
	"github.com/soddygo/kode-acp/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the protocol adapter",
	Long: `Run the adapter. Records are read from stdin and responses written to
stdout, one JSON object per line. With --http the adapter listens on an
HTTP address instead and streams session events over SSE.

Examples:
  kode-acp serve                        # stdio
  kode-acp serve --http 127.0.0.1:37800 # HTTP + SSE`,
	RunE: runServe,
}

var (
	serveHTTP    string
	servePersist bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "Listen on this HTTP address instead of stdio")
	serveCmd.Flags().BoolVar(&servePersist, "persist", true, "Persist sessions across restarts")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cmd.Flags().Changed("persist") {
		cfg.PersistSessions = servePersist
	}

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize adapter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start adapter: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown incomplete")
		}
	}()

	if serveHTTP == "" {
		log.Info().Str("version", Version).Msg("Serving on stdio")
		err := transport.ServeStdio(ctx, os.Stdin, os.Stdout, a.Router)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return serveHTTPAddr(ctx, a, serveHTTP)
}

func serveHTTPAddr(ctx context.Context, a *app.App, addr string) error {
	health := func() map[string]interface{} {
		return map[string]interface{}{
			"version":      Version,
			"sessions":     a.Sessions.Count(),
			"currentModel": a.Models.CurrentModel(),
			"sseClients":   a.Broadcaster.ClientCount(),
		}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           transport.NewHTTPHandler(a.Router, a.Broadcaster, health),
		ReadHeaderTimeout: 10 * time.Second,
		// SSE streams stay open; the broadcaster bounds each write.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", Version).Msg("Serving on HTTP")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
