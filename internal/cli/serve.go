package cli

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

	"github.com/roach88/slate/internal/relay"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the board relay server",
		Long: `Start the WebSocket relay that hosts a shared board.

Clients connect at /ws?user=<id>. Object writes are merged at document
level (last write wins per field), stamped, and broadcast to every
connected client. With --db, board state persists across restarts in a
SQLite file; without it the board is in-memory only.

Example:
  slate serve --addr :8080
  slate serve --addr :8080 --db ./board.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite board database (optional)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	hubOpts := []relay.HubOption{relay.WithHubLogger(logger)}
	if opts.Database != "" {
		logger.Info("opening board database", "path", opts.Database)
		bs, err := relay.OpenBoardStore(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open board database", err)
		}
		defer func() {
			if closeErr := bs.Close(); closeErr != nil {
				logger.Error("error closing board database", "error", closeErr)
			}
		}()
		hubOpts = append(hubOpts, relay.WithBoardStore(bs))
	}

	hub, err := relay.NewHub(hubOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build hub", err)
	}

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: relay.NewServer(hub, logger).Router(),
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Relay started on %s. Press Ctrl-C to stop.\n", opts.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "shutdown error", err)
		}
		logger.Info("relay stopped gracefully")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "relay error", err)
	}
}
