// Command locationservice ingests driver pings over gRPC into the shared
// Redis candidate pool and serves the driver registry. The dispatch service
// reads the same pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/config"
	"github.com/example/dispatchcore/internal/dispatch/pool"
	"github.com/example/dispatchcore/internal/location"
	"github.com/example/dispatchcore/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(serve).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd loads the configuration named by --config and hands it to run.
func newRootCmd(run func(ctx context.Context, cfg *config.Config) error) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "locationservice",
		Short:         "Driver ping ingest and driver registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.SetupLogger("location-service", cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if cfg.Redis.Addr == "" {
		return errors.New("location service needs redis.addr: the pool is shared with the dispatch service")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	drivers := pool.NewRedis(client, cfg.Redis.GeoKey, cfg.Dispatch.StaleAfter, nil)

	go runREST(ctx, logger, cfg, drivers, client)
	go runGRPC(ctx, logger, cfg.GRPC.Addr, drivers)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func runREST(ctx context.Context, logger *zap.Logger, cfg *config.Config, drivers *pool.Redis, client *redis.Client) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(map[string]observability.Check{
		"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.JWTSecret))
		location.NewHTTP(drivers).Mount(r)
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("driver registry listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("registry http server", zap.Error(err))
	}
}

func runGRPC(ctx context.Context, logger *zap.Logger, addr string, drivers *pool.Redis) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(location.Codec{}))
	location.RegisterLocationServer(srv, location.NewServer(drivers, logger))
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}
