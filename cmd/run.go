package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownGrace is added to the orchestrator drain timeout when stopping.
const shutdownGrace = 15 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the orchestrator and the HTTP API",
		Long: `Reloads unresolved jobs, warms the browser pool and runs the workers
until SIGINT or SIGTERM. In-flight applications are given the drain timeout
to finish; anything still running is returned to the queue.`,
		RunE: runOrchestrator,
	}
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, rt.cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Failed to close application services", zap.Error(cerr))
		}
	}()

	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	srvErr := make(chan error, 1)
	srv := a.HTTPServer()
	if srv != nil {
		go func() {
			logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	sdNotify(logger, daemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
		logger.Error("HTTP server failed", zap.Error(err))
	}

	sdNotify(logger, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Orchestrator.DrainTimeout+shutdownGrace)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	if err := a.Orchestrator.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
	}
	if len(errs) > 0 {
		logger.Warn("Unclean shutdown", zap.Error(errors.Join(errs...)))
	}

	logger.Info("Orchestrator stopped.")
	return errors.Join(append([]error{runErr}, errs...)...)
}

// sdNotify tells systemd about state changes. Outside systemd it is a no-op.
func sdNotify(logger *zap.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		logger.Debug("sd_notify sent", zap.String("state", state))
	}
}
