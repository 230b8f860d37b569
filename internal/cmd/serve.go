package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config-file]",
		Short: "Start the server (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, args))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	store := transcript.NewStore(cfg.TranscriptRoot, logger)
	launcher := &agent.CLILauncher{Binary: cfg.AgentBinary, Logger: logger}
	manager := session.NewManager(launcher, store, logger, session.Options{
		ShutdownGrace: cfg.ShutdownTimeout.Duration,
	})
	server := api.NewServer(manager, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		StaticDir:      cfg.UIStaticDir,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentdeck listening", "version", version, "addr", cfg.ListenAddr,
			"transcript_root", cfg.TranscriptRoot, "agent_binary", cfg.AgentBinary)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.ShutdownTimeout.Duration)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "error", err)
	}

	// Children get their own full grace period regardless of how long the
	// HTTP drain took.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancelStop()
	manager.Shutdown(stopCtx)

	logger.Info("stopped")
	return nil
}
