package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/config"
	"github.com/JakeFAU/linewatch/internal/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the weekday schedule and the delay monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, nil)
		},
	}
}

// serve blocks until ctx is done. When ready is non-nil it receives the
// bound listener address once the server accepts connections.
func (c *cli) serve(ctx context.Context, ready chan<- string) error {
	a, err := c.buildApp(ctx)
	if err != nil {
		return err
	}
	logger := a.Logger
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close application services", zap.Error(cerr))
		}
	}()

	if a.Config.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "linewatch",
			SampleRatio: a.Config.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown", zap.Error(err))
			}
		}()
	}

	c.loader.Watch(func(config.Config) {
		logger.Info("configuration reloaded")
	}, func(err error) {
		logger.Warn("configuration reload rejected", zap.Error(err))
	})

	cfg := a.Config
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if a.Cron != nil {
		a.Cron.Start()
		logger.Info("schedule started",
			zap.String("spec", cfg.Scheduler.Cron.Spec),
			zap.String("timezone", cfg.Scheduler.Cron.Timezone),
			zap.Time("next", a.Cron.Next()),
		)
	}

	notifySystemd(logger, daemon.SdNotifyReady)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	notifySystemd(logger, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if a.Cron != nil {
		if err := a.Cron.Stop(shutdownCtx); err != nil {
			logger.Warn("schedule stop", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// notifySystemd reports lifecycle state when running under a Type=notify
// unit. Outside systemd it is a no-op.
func notifySystemd(logger *zap.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		logger.Debug("systemd notified", zap.String("state", state))
	}
}
