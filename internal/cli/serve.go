package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/handlers"
	"checkout-service/internal/auth"
	"checkout-service/internal/config"
	"checkout-service/internal/consul"
	"checkout-service/internal/health"
	"checkout-service/internal/reconcile"
	"checkout-service/pkg/logkey"

	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the webhook receiver and the stale order sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	keys, err := auth.NewKeys(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	router := handlers.API(cfg.EndpointPrefix, keys, handlers.Deps{
		Placer:         a.checkout,
		Orders:         a.orders,
		Payments:       a.engine,
		Admin:          a.engine,
		PublishableKey: cfg.Stripe.PublishableKey,
		AllowedOrigins: cfg.AllowedOrigins,
		GinMode:        cfg.GinMode,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc, bgCtx := newLifecycle(ctx)
	lc.Go(func() error {
		slog.Info("http server listening", slog.String("Addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	lc.OnStop(func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	sweeper := reconcile.NewSweeper(a.engine, cfg.SweepInterval, cfg.SweepStaleAfter, cfg.SweepBatchSize)
	lc.Go(func() error { return sweeper.Run(bgCtx) })

	err = startOptional(bgCtx, cfg, a, lc)
	if err == nil {
		err = lc.Wait(ctx)
	}
	if err != nil {
		slog.Error("server failed", slog.String(logkey.ERROR, err.Error()))
	} else {
		slog.Info("shutting down")
	}
	return errors.Join(err, lc.Stop(cfg.ShutdownTimeout))
}

// startOptional starts the gRPC health server and Consul registration when
// they are configured.
func startOptional(ctx context.Context, cfg config.Config, a *app, lc *lifecycle) error {
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		hs := health.NewServer(cfg.ServiceName, a.db)
		lc.Go(func() error {
			hs.Watch(ctx, 15*time.Second)
			return nil
		})
		lc.Go(func() error {
			slog.Info("grpc health server listening", slog.String("Addr", cfg.GRPCAddr))
			if err := hs.Serve(lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		lc.OnStop(func(context.Context) error {
			hs.Stop()
			return nil
		})
	}

	if cfg.ConsulAddr != "" {
		registry, err := consul.NewRegistry(cfg.ConsulAddr, consul.Registration{
			Name: cfg.ServiceName,
			Host: cfg.ServiceHost,
			Port: cfg.ServicePort,
		})
		if err != nil {
			return err
		}
		if err := registry.Register(); err != nil {
			// Discovery is best effort; the API still works without it.
			slog.Error("consul registration failed", slog.String(logkey.ERROR, err.Error()))
			return nil
		}
		lc.OnStop(func(context.Context) error {
			return registry.Deregister()
		})
	}
	return nil
}
