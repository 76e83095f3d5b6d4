package commands

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

	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/escalation"
	"github.com/MEKXH/tollgate/internal/gateway"
	"github.com/MEKXH/tollgate/internal/rpc"
	"github.com/MEKXH/tollgate/internal/tracing"
	"github.com/MEKXH/tollgate/internal/version"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Tollgate server",
		Long: `Start the escalation scheduler, the notification dispatcher and the
HTTP and gRPC endpoints. SIGHUP reloads the policy and roster files.`,
		RunE: runServer,
	}

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init("tollgate", version.Version, cfg.Tracing.File); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var scheduler *escalation.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = escalation.New(a.engine, escalation.Config{
			Interval:   time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
			Cron:       cfg.Scheduler.Cron,
			MaxBackoff: time.Duration(cfg.Scheduler.MaxBackoffSeconds) * time.Second,
			Now:        a.engine.Now,
		}, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to create escalation scheduler: %w", err)
		}
		a.addNotifier(scheduler)
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start escalation scheduler: %w", err)
		}
	}

	errCh := make(chan error, 2)

	var gatewayServer *gateway.Server
	if cfg.Gateway.Enabled {
		gatewayServer = gateway.New(cfg.Gateway, a.engine, a.metrics)
		go func() {
			if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("gateway server failed: %w", err)
			}
		}()
	}

	var grpcServer *rpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = rpc.New(cfg.GRPC, a.engine)
		go func() {
			if err := grpcServer.Start(); err != nil {
				errCh <- fmt.Errorf("grpc server failed: %w", err)
			}
		}()
	}

	fmt.Println("Tollgate server running.")
	if gatewayServer != nil {
		fmt.Printf("  Gateway: http://%s\n", gatewayServer.Addr())
	}
	if grpcServer != nil {
		fmt.Printf("  gRPC:    %s\n", grpcServer.Addr())
	}
	fmt.Println("Press Ctrl+C to stop.")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			if err := a.reload(); err != nil {
				slog.Error("reload failed, keeping previous policy and roster", "error", err)
			} else {
				slog.Info("policy and roster reloaded", "policy_version", a.engine.Policy().Version)
			}
		case runErr = <-errCh:
			slog.Error("server component failed", "error", runErr)
			cancel()
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if scheduler != nil {
		scheduler.Stop()
	}
	if gatewayServer != nil {
		if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("gateway shutdown failed", "error", err)
		}
	}
	if grpcServer != nil {
		grpcServer.Stop(shutdownCtx)
	}

	return runErr
}
