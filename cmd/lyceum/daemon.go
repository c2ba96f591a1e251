package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/api"
	"github.com/benaskins/lyceum/internal/audit"
	"github.com/benaskins/lyceum/internal/config"
	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/gateway"
)

const shutdownTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the lyceum daemon",
	Long:  "Start the supervisor. Launches the backend service, starts workers when courses are pending and serves the control API.",
	RunE:  runDaemon,
}

var apiAddr string

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "optional loopback TCP address for the API (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	store, err := config.Open(path)
	if err != nil {
		return err
	}
	cfg := store.Config()

	home := homeDir()
	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", home, err)
	}

	slog.Info("lyceum daemon starting", "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	relay := events.NewRelay(os.Stderr)
	d, err := daemon.NewDaemon(store, daemon.WithRelay(relay))
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	auditLog, err := audit.NewLogger(auditLogPath())
	if err != nil {
		return err
	}
	defer auditLog.Close()

	gw := gateway.New(store, d, gateway.WithAudit(auditLog))

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	sock := socketPath()
	os.Remove(sock)

	srv := api.NewServer(ctx, d, gw, cfg.AllowedOrigins)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenUnix(sock)
	}()

	addr := apiAddr
	if addr == "" {
		addr = cfg.APIAddr
	}
	if addr != "" {
		if err := config.CheckLoopbackAddr(addr); err != nil {
			return fmt.Errorf("--api-addr: %w", err)
		}
		go func() {
			errCh <- srv.ListenTCP(addr)
		}()
	}

	slog.Info("lyceum daemon ready", "socket", sock)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if err := srv.Shutdown(stopCtx); err != nil {
		slog.Warn("API shutdown", "error", err)
	}
	if err := d.Stop(stopCtx); err != nil {
		slog.Error("daemon shutdown", "error", err)
	}
	relay.Close()
	os.Remove(sock)

	slog.Info("lyceum daemon stopped")
	return nil
}
