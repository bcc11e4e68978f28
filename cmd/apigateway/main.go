// Command apigateway fronts the dispatch and location services, applying the
// tiered rate limiter per client before proxying.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/config"
	ratelimitmw "github.com/example/dispatchcore/internal/http/middleware"
	"github.com/example/dispatchcore/internal/ratelimit"
	"github.com/example/dispatchcore/pkg/observability"
)

type upstreams struct {
	dispatch string
	location string
}

func upstreamsFrom(cfg *config.Config) upstreams {
	return upstreams{dispatch: cfg.Gateway.DispatchURL, location: cfg.Gateway.LocationURL}
}

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
		Use:           "apigateway",
		Short:         "Rate-limiting gateway in front of the dispatch and location services",
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
	logger := observability.SetupLogger("api-gateway", cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	redisClient := newRedisClient(ctx, cfg, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()
	limiter := buildLimiter(ctx, cfg, redisClient)

	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: newGateway(cfg, upstreamsFrom(cfg), limiter, logger), ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout}
	errc := make(chan error, 1)
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("dispatch", cfg.Gateway.DispatchURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newGateway identifies callers from an optional bearer token, charges them
// against their tier and forwards the request unchanged, Authorization
// header included, so upstreams authorize on their own.
func newGateway(cfg *config.Config, up upstreams, limiter ratelimit.Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(nil))
	r.Get("/docs/openapi.yaml", openAPIHandler)

	dispatch := proxy(up.dispatch)
	drivers := dispatch
	if up.location != "" {
		drivers = proxy(up.location)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Optional(cfg.Auth.JWTSecret), ratelimitmw.NewRateLimiter(limiter, logger.Named("ratelimit")).Middleware)
		for _, prefix := range []string{"/v1/dispatch", "/v1/orders", "/v1/escrows", "/v1/accounts", "/v1/routes", "/v1/geocode"} {
			r.Handle(prefix+"/*", dispatch)
			r.Handle(prefix, dispatch)
		}
		r.Handle("/v1/drivers/*", drivers)
	})
	return r
}

func buildLimiter(ctx context.Context, cfg *config.Config, client *redis.Client) ratelimit.Limiter {
	quotas := ratelimit.QuotasFromConfig(cfg.RateLimit.Tiers)
	if cfg.RateLimit.Backend == "redis" && client != nil {
		return ratelimit.NewRedisWindow(client, quotas, cfg.Gateway.RateLimitPrefix)
	}
	fw := ratelimit.NewFixedWindow(quotas)
	go fw.Run(ctx, cfg.RateLimit.CleanupInterval) //nolint:errcheck
	return fw
}

func proxy(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := target + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func newRedisClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, falling back to in-memory limiter", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
