package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/isitobservable/netcheck/pkg/mcp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve verifications as an MCP tool over Streamable HTTP",
		Long: `serve exposes the verify_cluster_connectivity tool on PORT at /mcp.
Only one verification runs at a time; concurrent calls are rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx)
	defer e.close()
	if err != nil {
		return err
	}

	srv := mcpserver.NewServer(e.runner, e.meters, version)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", e.cfg.Port)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("netcheck: server ready", "port", e.cfg.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("MCP server: %w", err)
		}
	}
	slog.Info("netcheck: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("netcheck: shutdown error", "error", err)
	}

	slog.Info("netcheck: server stopped")
	return nil
}
