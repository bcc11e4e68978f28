package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/dispatchcore/internal/auth"
	dispatchhandler "github.com/example/dispatchcore/internal/dispatch/handler"
	escrowhandler "github.com/example/dispatchcore/internal/escrow/handler"
	"github.com/example/dispatchcore/internal/http/middleware"
	"github.com/example/dispatchcore/internal/location"
	"github.com/example/dispatchcore/internal/ratelimit"
	routehandler "github.com/example/dispatchcore/internal/route/handler"
	"github.com/example/dispatchcore/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dispatch, escrow and route APIs",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger("dispatch-service", cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if fw, ok := a.limiter.(*ratelimit.FixedWindow); ok {
		go fw.Run(ctx, cfg.RateLimit.CleanupInterval) //nolint:errcheck
	}
	go func() {
		if err := a.ledger.Run(ctx, cfg.Escrow.SweepInterval, cfg.Escrow.SweepBatch); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("auto release sweeper stopped", zap.Error(err))
		}
	}()
	if worker := a.outboxWorker(); worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled: no nats connection")
	}
	if cfg.GRPC.Addr != "off" {
		go runGRPC(ctx, logger, cfg.GRPC.Addr, a)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiRouter(a, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// apiRouter mounts every API behind the tiered rate limiter, which is off
// when the limiter is nil. Dispatch and route estimates admit anonymous
// callers at the anonymous tier; escrow, driver registry, order status and
// order audit require a token.
func apiRouter(a *app, logger *zap.Logger) http.Handler {
	limiter := middleware.NewRateLimiter(a.limiter, logger.Named("ratelimit"))
	secret := a.cfg.Auth.JWTSecret
	dispatch := dispatchhandler.NewHTTP(a.router, a.acceptor, a.history, a.ledger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(a.healthChecks()))

	r.Group(func(r chi.Router) {
		r.Use(auth.Optional(secret), limiter.Middleware)
		dispatch.Mount(r)
		routehandler.NewHTTP(a.routes).Mount(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(secret), limiter.Middleware)
		escrowhandler.NewHTTP(a.ledger, a.orders).Mount(r)
		dispatch.MountAudit(r)
		location.NewHTTP(a.pool).Mount(r)
	})
	return r
}

func runGRPC(ctx context.Context, logger *zap.Logger, addr string, a *app) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen grpc", zap.Error(err))
		return
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(location.Codec{}))
	location.RegisterLocationServer(srv, location.NewServer(a.pool, logger))
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Error("grpc serve", zap.Error(err))
	}
}
