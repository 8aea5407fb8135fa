package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/gamescan/internal/server"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/spf13/cobra"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the progress server",
		Long: `Start the HTTP server that runs scans on request and publishes their
progress. Scans are started with POST /api/scan and followed with
GET /api/progress or the websocket at /ws/progress.

By default, the server listens on server.listen from the config file
(default: 127.0.0.1:8080). Use --listen to override.`,
		Example: `  gamescan serve
  gamescan serve --listen 0.0.0.0:9000`,
		Args: cobra.NoArgs,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalManager == nil {
		return fmt.Errorf("scan manager not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	level, err := verify.ParseLevel(globalCfg.Scan.Strictness)
	if err != nil {
		return err
	}

	loadCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	err = loadManifest(loadCtx)
	cancel()
	if err != nil {
		return err
	}

	srv := server.NewServer(globalManager, globalStore, server.Options{
		Game:  globalCfg.Game.ID,
		Level: level,
	}, logger)

	errChan := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Server stopped gracefully")
	}

	return nil
}
