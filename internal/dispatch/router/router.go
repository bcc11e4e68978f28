// Package router runs a dispatch pass: it finds eligible drivers near an
// order's pickup and offers the order to each of them, nearest first.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/eligibility"
	"github.com/example/dispatchcore/internal/geocache"
)

var (
	ErrNoEligibleDrivers = errors.New("no eligible drivers within radius")
	ErrNoneNotified      = errors.New("no driver could be notified")
)

const distanceKeyPrecision = 5

// Config tunes a dispatch pass.
type Config struct {
	RadiusKM         float64
	Timeout          time.Duration
	CandidateLimit   int
	DistanceCacheTTL time.Duration
}

// Result reports the outcome of a dispatch pass. Notified is in notification
// order.
type Result struct {
	OrderID       string   `json:"order_id"`
	NotifiedCount int      `json:"notified_count"`
	Notified      []string `json:"notified"`
	Failed        []string `json:"failed,omitempty"`
	Success       bool     `json:"success"`
}

// Router dispatches orders to candidates from a pool.
type Router struct {
	pool      domain.CandidatePool
	notifier  domain.Notifier
	audit     audit.Sink
	distances *geocache.Cache[float64]
	clock     domain.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config
}

// New constructs a Router. sink may be nil when decisions need not be audited.
func New(pool domain.CandidatePool, notifier domain.Notifier, sink audit.Sink, logger *zap.Logger, cfg Config) *Router {
	if cfg.RadiusKM <= 0 {
		cfg.RadiusKM = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.DistanceCacheTTL <= 0 {
		cfg.DistanceCacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		pool:      pool,
		notifier:  notifier,
		audit:     sink,
		distances: geocache.New[float64]("dispatch_distance", geocache.Config{DefaultTTL: cfg.DistanceCacheTTL}),
		clock:     domain.SystemClock{},
		logger:    logger.Named("router"),
		tracer:    otel.Tracer("dispatch.router"),
		cfg:       cfg,
	}
}

type ranked struct {
	candidate domain.DriverCandidate
	distance  float64
}

// Route runs one dispatch pass for order. Pool failures are transient and
// fail the pass; individual notification failures are counted and logged.
func (r *Router) Route(ctx context.Context, order domain.Order) (Result, error) {
	const op = "router.route"
	start := time.Now()
	if order == nil {
		return Result{}, apperror.Validation(op, "order is required")
	}
	if _, err := domain.ParseOrderType(string(order.Type())); err != nil {
		return Result{}, err
	}
	if err := order.Validate(); err != nil {
		return Result{}, err
	}
	required, err := eligibility.RequiredServiceType(order)
	if err != nil {
		return Result{}, err
	}
	info := order.Info()
	res := Result{OrderID: info.OrderID}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "dispatch.route", trace.WithAttributes(
		attribute.String("order.id", info.OrderID),
		attribute.String("order.type", string(order.Type())),
	))
	defer span.End()

	candidates, err := r.pool.Nearby(ctx, domain.CandidateQuery{
		Point:       info.Pickup,
		RadiusKM:    r.cfg.RadiusKM,
		ServiceType: required,
		ReadyOnly:   true,
		Limit:       r.cfg.CandidateLimit,
	})
	if err != nil {
		dispatchDuration.WithLabelValues("pool_error").Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate pool query failed")
		return res, apperror.Transient(op, fmt.Errorf("query candidate pool: %w", err))
	}

	eligible := r.rank(info.Pickup, required, candidates)
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("eligible", len(eligible)))

	if len(eligible) == 0 {
		r.record(parent, order, len(candidates), res)
		dispatchDuration.WithLabelValues("no_candidates").Observe(time.Since(start).Seconds())
		return res, apperror.Eligibility(op, fmt.Errorf("order %s: %w", info.OrderID, ErrNoEligibleDrivers))
	}

	for i, rc := range eligible {
		id := rc.candidate.DriverID
		if ctx.Err() != nil {
			for _, rest := range eligible[i:] {
				res.Failed = append(res.Failed, rest.candidate.DriverID)
			}
			notificationsTotal.WithLabelValues("skipped").Add(float64(len(eligible) - i))
			r.logger.Warn("dispatch pass timed out", zap.String("order_id", info.OrderID), zap.Int("remaining", len(eligible)-i))
			break
		}
		if err := r.notifier.Notify(ctx, id, domain.Summarize(order, rc.distance)); err != nil {
			res.Failed = append(res.Failed, id)
			notificationsTotal.WithLabelValues("failed").Inc()
			r.logger.Warn("notify driver failed", zap.String("order_id", info.OrderID), zap.String("driver_id", id), zap.Error(err))
			continue
		}
		res.Notified = append(res.Notified, id)
		notificationsTotal.WithLabelValues("sent").Inc()
	}
	res.NotifiedCount = len(res.Notified)
	res.Success = res.NotifiedCount > 0
	span.SetAttributes(attribute.Int("notified", res.NotifiedCount), attribute.Int("failed", len(res.Failed)))
	r.record(parent, order, len(candidates), res)

	if !res.Success {
		dispatchDuration.WithLabelValues("notify_failed").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, "no driver notified")
		return res, apperror.Transient(op, fmt.Errorf("order %s: %w", info.OrderID, ErrNoneNotified))
	}
	dispatchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	r.logger.Info("order dispatched",
		zap.String("order_id", info.OrderID),
		zap.Int("notified", res.NotifiedCount),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}

// rank re-applies the eligibility rule to what the pool returned and orders
// the survivors by distance, then rating, then freshest ping.
func (r *Router) rank(pickup domain.GeoPoint, required domain.ServiceType, candidates []domain.DriverCandidate) []ranked {
	out := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		if err := eligibility.Check(c, required); err != nil {
			reason := "service_type"
			if errors.Is(err, eligibility.ErrDriverNotReady) {
				reason = "not_ready"
			}
			candidatesFiltered.WithLabelValues(reason).Inc()
			continue
		}
		out = append(out, ranked{candidate: c, distance: r.distance(pickup, c.Coordinates)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.candidate.RatingAverage != b.candidate.RatingAverage {
			return a.candidate.RatingAverage > b.candidate.RatingAverage
		}
		if !a.candidate.LastPing.Equal(b.candidate.LastPing) {
			return a.candidate.LastPing.After(b.candidate.LastPing)
		}
		return a.candidate.DriverID < b.candidate.DriverID
	})
	return out
}

func (r *Router) distance(from, to domain.GeoPoint) float64 {
	key := from.Key(distanceKeyPrecision) + "|" + to.Key(distanceKeyPrecision)
	if d, ok := r.distances.Get(key); ok {
		return d
	}
	d := domain.HaversineKM(from, to)
	r.distances.Set(key, d)
	return d
}

// record writes the dispatch decision. It uses a context detached from the
// pass deadline so a timed-out pass is still audited.
func (r *Router) record(ctx context.Context, order domain.Order, considered int, res Result) {
	if r.audit == nil {
		return
	}
	info := order.Info()
	rec := audit.Record{
		OrderID: info.OrderID,
		Kind:    audit.KindDispatchDecision,
		Actor:   "dispatch",
		To:      outcome(res),
		Detail: map[string]any{
			"order_type": string(order.Type()),
			"considered": considered,
			"notified":   res.Notified,
			"failed":     res.Failed,
		},
		At: r.clock.Now(),
	}
	if err := r.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("audit dispatch decision", zap.String("order_id", info.OrderID), zap.Error(err))
	}
}

func outcome(res Result) string {
	switch {
	case res.Success:
		return "notified"
	case len(res.Failed) > 0:
		return "notify_failed"
	default:
		return "no_eligible_drivers"
	}
}
