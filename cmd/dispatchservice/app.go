package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/config"
	"github.com/example/dispatchcore/internal/dispatch/acceptance"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/eligibility"
	"github.com/example/dispatchcore/internal/dispatch/notify"
	"github.com/example/dispatchcore/internal/dispatch/pool"
	"github.com/example/dispatchcore/internal/dispatch/router"
	escrow "github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/escrow/ledger"
	"github.com/example/dispatchcore/internal/escrow/store"
	"github.com/example/dispatchcore/internal/location"
	"github.com/example/dispatchcore/internal/outbox"
	"github.com/example/dispatchcore/internal/ratelimit"
	"github.com/example/dispatchcore/internal/route"
	"github.com/example/dispatchcore/pkg/observability"
)

// candidatePool is what both pool backends provide.
type candidatePool interface {
	dispatch.CandidatePool
	location.Registry
}

type orderDirectory interface {
	escrow.OrderDirectory
	SetStatus(ctx context.Context, orderID string, status dispatch.OrderStatus) error
}

// app holds the connections and components shared by serve and sweep.
// Without a Postgres DSN, Redis address or NATS URL the matching in-memory
// backend is used, which suits a single local instance.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sql.DB
	redis *redis.Client
	nats  *nats.Conn

	pool     candidatePool
	history  audit.Sink
	escrows  escrow.Store
	orders   orderDirectory
	source   outbox.Source
	queue    outbox.Writer
	limiter  ratelimit.Limiter
	ledger   *ledger.Ledger
	router   *router.Router
	acceptor *acceptance.Acceptor
	routes   *route.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if a.db != nil {
		if err := store.Migrate(ctx, a.db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.history = audit.NewSQLLog(a.db)
		a.escrows = store.NewPostgres(a.db)
		a.orders = store.NewSQLOrders(a.db)
		a.source = outbox.NewSQLSource(a.db)
		a.queue = outbox.NewSQLWriter(a.db)
	} else {
		log := audit.NewMemoryLog()
		out := outbox.NewMemory()
		a.history = log
		a.escrows = store.NewMemory(log, out)
		a.orders = store.NewMemoryOrders()
		a.source = out
		a.queue = out
	}

	quotas := ratelimit.QuotasFromConfig(cfg.RateLimit.Tiers)
	var offers acceptance.OfferBook
	if a.redis != nil {
		a.pool = pool.NewRedis(a.redis, cfg.Redis.GeoKey, cfg.Dispatch.StaleAfter, nil)
		offers = acceptance.NewRedisOfferBook(a.redis, "", cfg.Dispatch.OfferTTL)
	} else {
		a.pool = pool.NewMemory(cfg.Dispatch.StaleAfter, nil)
		offers = acceptance.NewMemoryOfferBook(cfg.Dispatch.OfferTTL, nil)
	}
	switch {
	case cfg.RateLimit.BehindGateway:
		// apigateway charges every request before it gets here.
	case cfg.RateLimit.Backend == "redis" && a.redis != nil:
		a.limiter = ratelimit.NewRedisWindow(a.redis, quotas, "")
	default:
		a.limiter = ratelimit.NewFixedWindow(quotas)
	}

	a.ledger = ledger.New(a.escrows, a.orders, a.history, logger, ledger.Config{
		AutoReleaseWindow: cfg.Escrow.AutoReleaseWindow,
		DisputeWindow:     cfg.Escrow.DisputeWindow,
		ResolutionRoles:   cfg.Escrow.ResolutionRoles,
		Subject:           cfg.NATS.EscrowSubject,
	})
	a.router = router.New(a.pool, a.offerNotifier(), a.history, logger, router.Config{
		RadiusKM:         cfg.Dispatch.RadiusKM,
		Timeout:          cfg.Dispatch.Timeout,
		CandidateLimit:   cfg.Dispatch.CandidateLimit,
		DistanceCacheTTL: cfg.Dispatch.DistanceCacheTTL,
	})
	a.acceptor = acceptance.New(eligibility.NewValidator(a.pool), offers, a.history, logger)
	a.routes = route.New(nil, nil, a.pool, logger, route.Config{
		CacheTTL:         cfg.Route.CacheTTL,
		Debounce:         cfg.Route.Debounce,
		ApproachRadiusKM: cfg.Dispatch.RadiusKM,
	})
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	if dsn := a.cfg.Postgres.DSN; dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		db.SetMaxOpenConns(a.cfg.Postgres.MaxOpenConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		a.db = db
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
	}
	if addr := a.cfg.Redis.Addr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	if url := a.cfg.NATS.URL; url != "" {
		conn, err := nats.Connect(url, nats.Name("dispatchservice"))
		if err != nil {
			// Offers and escrow notifications go to the outbox instead. Nothing
			// in this process relays them until it restarts with NATS.
			a.logger.Warn("nats connection failed", zap.Error(err))
		} else {
			a.nats = conn
		}
	}
	return nil
}

// healthChecks reports the reachability of each configured backend.
func (a *app) healthChecks() map[string]observability.Check {
	checks := map[string]observability.Check{}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	return checks
}

// offerNotifier publishes offers straight to NATS when connected and
// otherwise writes them to the outbox for a relay to pick up.
func (a *app) offerNotifier() dispatch.Notifier {
	if a.nats != nil {
		return notify.NewPublisher(a.nats, a.cfg.NATS.OfferSubject)
	}
	return notify.NewQueue(a.queue, a.cfg.NATS.OfferSubject)
}

func (a *app) outboxWorker() *outbox.Worker {
	if a.nats == nil {
		return nil
	}
	return outbox.NewWorker(a.source, a.nats, a.logger, outbox.WorkerConfig{
		PollInterval: a.cfg.Outbox.PollInterval,
		BatchSize:    a.cfg.Outbox.BatchSize,
		RetryMax:     a.cfg.Outbox.RetryMax,
	})
}

func (a *app) Close() {
	if a.routes != nil {
		a.routes.Close()
	}
	if a.nats != nil {
		_ = a.nats.Drain()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
