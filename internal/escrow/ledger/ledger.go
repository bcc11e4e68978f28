// Package ledger runs the escrow state machine. Transitions are serialized
// per order, persisted through a compare-and-set on status and committed
// together with their balance movements, audit records and counter-party
// notifications.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/audit"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

var (
	ErrNotDelivered        = errors.New("order has not been delivered")
	ErrAlreadyDelivered    = errors.New("order has already been delivered")
	ErrDisputeWindowClosed = errors.New("dispute window has closed")
	ErrAuthorizationDiffer = errors.New("order already has an escrow with different terms")
)

const (
	DefaultAutoReleaseWindow = 72 * time.Hour
	DefaultDisputeWindow     = 48 * time.Hour
	DefaultSubject           = "escrow.notifications"
)

// Config carries the auto-release and dispute policy.
type Config struct {
	AutoReleaseWindow time.Duration
	DisputeWindow     time.Duration
	ResolutionRoles   []string
	// Subject prefixes counter-party notification topics: <Subject>.<recipient>.
	Subject string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Option func(*Ledger)

func WithClock(c domain.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

type Ledger struct {
	store   domain.Store
	orders  domain.OrderDirectory
	history audit.Sink
	locks   *keyedMutex
	roles   map[string]struct{}
	clock   domain.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config
}

// New constructs a Ledger. history must read the records store writes.
func New(store domain.Store, orders domain.OrderDirectory, history audit.Sink, logger *zap.Logger, cfg Config, opts ...Option) *Ledger {
	if cfg.AutoReleaseWindow <= 0 {
		cfg.AutoReleaseWindow = DefaultAutoReleaseWindow
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}
	if len(cfg.ResolutionRoles) == 0 {
		cfg.ResolutionRoles = []string{"admin"}
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	roles := make(map[string]struct{}, len(cfg.ResolutionRoles))
	for _, r := range cfg.ResolutionRoles {
		roles[r] = struct{}{}
	}
	l := &Ledger{
		store:   store,
		orders:  orders,
		history: history,
		locks:   newKeyedMutex(),
		roles:   roles,
		clock:   systemClock{},
		logger:  logger.Named("ledger"),
		tracer:  otel.Tracer("escrow.ledger"),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AuthorizeInput describes the funds a buyer commits to an order.
type AuthorizeInput struct {
	OrderID  string `json:"order_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Authorize debits the buyer and holds the funds. Repeating an authorization
// with the same terms returns the existing escrow.
func (l *Ledger) Authorize(ctx context.Context, in AuthorizeInput, actor domain.Actor) (txn domain.Transaction, err error) {
	const op = "ledger.authorize"
	ctx, span := l.start(ctx, op, in.OrderID)
	defer span.End()
	defer l.observe(op, &err)

	switch {
	case in.OrderID == "" || in.BuyerID == "" || in.SellerID == "":
		return domain.Transaction{}, apperror.Validation(op, "order_id, buyer_id and seller_id are required")
	case in.BuyerID == in.SellerID:
		return domain.Transaction{}, apperror.Validation(op, "buyer and seller must differ")
	case in.Amount <= 0:
		return domain.Transaction{}, apperror.Validation(op, "amount must be positive")
	case strings.TrimSpace(in.Currency) == "":
		return domain.Transaction{}, apperror.Validation(op, "currency is required")
	}
	if actor.ID != in.BuyerID {
		return domain.Transaction{}, apperror.Forbidden(op, "only the buyer may authorize funds")
	}

	unlock := l.locks.Lock(in.OrderID)
	defer unlock()

	existing, err := l.store.Get(ctx, in.OrderID)
	switch {
	case err == nil:
		if existing.BuyerID == in.BuyerID && existing.SellerID == in.SellerID && existing.Amount == in.Amount && existing.Currency == in.Currency {
			return existing, nil
		}
		return existing, apperror.Consistency(op, ErrAuthorizationDiffer, string(existing.Status))
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Transaction{}, apperror.Transient(op, err)
	}

	to, err := domain.Next(domain.StatusPending, domain.EventFundsAuthorized)
	if err != nil {
		return domain.Transaction{}, apperror.Consistency(op, err, string(domain.StatusPending))
	}
	now := l.clock.Now()
	txn = domain.Transaction{
		EscrowID:  uuid.New(),
		OrderID:   in.OrderID,
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Status:    to,
		CreatedAt: now,
		HeldAt:    now,
		UpdatedAt: now,
		Version:   1,
	}
	mut := domain.Mutation{
		Insert: true,
		Txn:    txn,
		Movements: []domain.Movement{{
			Account:      txn.BuyerID,
			Currency:     txn.Currency,
			Delta:        -txn.Amount,
			DedupeKey:    dedupeKey("authorize", txn.OrderID),
			RequireFunds: true,
		}},
		Audit:  []audit.Record{l.auditRecord(txn, domain.StatusPending, domain.EventFundsAuthorized, actor, "", now)},
		Outbox: l.notifications(txn, domain.StatusPending, domain.EventFundsAuthorized, "", now, txn.SellerID),
	}
	saved, err := l.store.Apply(ctx, mut)
	if err != nil {
		return domain.Transaction{}, l.storeError(ctx, op, in.OrderID, err)
	}
	escrowTransitions.WithLabelValues(string(domain.StatusPending), string(to)).Inc()
	l.logger.Info("escrow transition",
		zap.String("order_id", in.OrderID), zap.String("from", string(domain.StatusPending)),
		zap.String("to", string(to)), zap.String("actor", actor.ID))
	return saved, nil
}

// Release is the buyer confirming delivery: the seller is credited once, no
// matter how often Release is called.
func (l *Ledger) Release(ctx context.Context, orderID string, actor domain.Actor) (txn domain.Transaction, err error) {
	const op = "ledger.release"
	ctx, span := l.start(ctx, op, orderID)
	defer span.End()
	defer l.observe(op, &err)

	unlock := l.locks.Lock(orderID)
	defer unlock()

	cur, err := l.get(ctx, op, orderID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if actor.ID != cur.BuyerID {
		return cur, apperror.Forbidden(op, "only the buyer may confirm delivery")
	}
	if cur.Status == domain.StatusReleased {
		return cur, nil
	}
	if cur.Status == domain.StatusHeld {
		if err := l.requireDelivered(ctx, op, cur); err != nil {
			return cur, err
		}
	}
	return l.transition(ctx, op, cur, domain.EventDeliveryConfirmed, actor, "", l.creditSeller(cur), cur.SellerID)
}

// RaiseDispute freezes a held escrow pending resolution.
func (l *Ledger) RaiseDispute(ctx context.Context, orderID string, actor domain.Actor, reason string) (txn domain.Transaction, err error) {
	const op = "ledger.dispute"
	ctx, span := l.start(ctx, op, orderID)
	defer span.End()
	defer l.observe(op, &err)

	if strings.TrimSpace(reason) == "" {
		return domain.Transaction{}, apperror.Validation(op, "a dispute reason is required")
	}
	unlock := l.locks.Lock(orderID)
	defer unlock()

	cur, err := l.get(ctx, op, orderID)
	if err != nil {
		return domain.Transaction{}, err
	}
	party, ok := cur.PartyOf(actor.ID)
	if !ok {
		return cur, apperror.Forbidden(op, "only the buyer or seller may dispute")
	}
	if cur.Status == domain.StatusHeld && l.clock.Now().After(cur.HeldAt.Add(l.cfg.DisputeWindow)) {
		return cur, apperror.Consistency(op, ErrDisputeWindowClosed, string(cur.Status))
	}
	return l.transition(ctx, op, cur, domain.EventDisputeRaised, actor, reason, nil, counterparty(cur, party))
}

// Cancel refunds the buyer for an order cancelled before delivery. Repeated
// cancellation returns the cancelled escrow.
func (l *Ledger) Cancel(ctx context.Context, orderID string, actor domain.Actor, reason string) (txn domain.Transaction, err error) {
	const op = "ledger.cancel"
	ctx, span := l.start(ctx, op, orderID)
	defer span.End()
	defer l.observe(op, &err)

	unlock := l.locks.Lock(orderID)
	defer unlock()

	cur, err := l.get(ctx, op, orderID)
	if err != nil {
		return domain.Transaction{}, err
	}
	party, isParty := cur.PartyOf(actor.ID)
	_, isAuthority := l.roles[actor.Role]
	if !isParty && !isAuthority {
		return cur, apperror.Forbidden(op, "only a party to the order may cancel it")
	}
	if cur.Status == domain.StatusCancelled {
		return cur, nil
	}
	if cur.Status == domain.StatusHeld {
		status, err := l.orders.OrderStatus(ctx, orderID)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
		case err != nil:
			return cur, apperror.Transient(op, fmt.Errorf("order status: %w", err))
		case status == dispatch.OrderDelivered || status == dispatch.OrderCompleted:
			return cur, apperror.Consistency(op, ErrAlreadyDelivered, string(cur.Status))
		}
	}
	recipients := []string{cur.BuyerID, cur.SellerID}
	if isParty {
		recipients = []string{counterparty(cur, party)}
	}
	return l.transition(ctx, op, cur, domain.EventOrderCancelled, actor, reason, l.refundBuyer(cur), recipients...)
}

// ResolveDispute settles a disputed escrow in favor of one party. Only
// actors holding a configured resolution role may call it.
func (l *Ledger) ResolveDispute(ctx context.Context, orderID string, actor domain.Actor, favor domain.Party, reason string) (txn domain.Transaction, err error) {
	const op = "ledger.resolve"
	ctx, span := l.start(ctx, op, orderID)
	defer span.End()
	defer l.observe(op, &err)

	if _, ok := l.roles[actor.Role]; !ok {
		return domain.Transaction{}, apperror.Forbidden(op, "resolution requires a resolution role")
	}
	var ev domain.Event
	switch favor {
	case domain.PartyBuyer:
		ev = domain.EventResolvedBuyer
	case domain.PartySeller:
		ev = domain.EventResolvedSeller
	default:
		return domain.Transaction{}, apperror.Validation(op, fmt.Sprintf("favor must be buyer or seller, got %q", favor))
	}

	unlock := l.locks.Lock(orderID)
	defer unlock()

	cur, err := l.get(ctx, op, orderID)
	if err != nil {
		return domain.Transaction{}, err
	}
	movements := l.creditSeller(cur)
	if favor == domain.PartyBuyer {
		movements = l.refundBuyer(cur)
	}
	return l.transition(ctx, op, cur, ev, actor, reason, movements, cur.BuyerID, cur.SellerID)
}

// AutoRelease releases up to limit escrows held longer than the auto-release
// window, passing each through timeout. It returns how many were released.
func (l *Ledger) AutoRelease(ctx context.Context, limit int) (int, error) {
	const op = "ledger.auto_release"
	ctx, span := l.tracer.Start(ctx, op)
	defer span.End()

	cutoff := l.clock.Now().Add(-l.cfg.AutoReleaseWindow)
	due, err := l.store.DueForAutoRelease(ctx, cutoff, limit)
	if err != nil {
		return 0, apperror.Transient(op, err)
	}
	var (
		released int
		errs     []error
	)
	for _, txn := range due {
		ok, err := l.autoReleaseOne(ctx, txn.OrderID, cutoff)
		if err != nil {
			l.logger.Error("auto release failed", zap.String("order_id", txn.OrderID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
			autoReleased.Inc()
		}
	}
	span.SetAttributes(attribute.Int("escrow.due", len(due)), attribute.Int("escrow.released", released))
	return released, errors.Join(errs...)
}

func (l *Ledger) autoReleaseOne(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	const op = "ledger.auto_release"
	unlock := l.locks.Lock(orderID)
	defer unlock()

	cur, err := l.get(ctx, op, orderID)
	if err != nil {
		return false, err
	}
	if cur.Status == domain.StatusHeld {
		if cur.HeldAt.After(cutoff) {
			return false, nil
		}
		if cur, err = l.transition(ctx, op, cur, domain.EventTimeoutElapsed, domain.SystemActor, "auto-release window elapsed", nil); err != nil {
			return false, err
		}
	}
	if cur.Status != domain.StatusTimeout {
		return false, nil
	}
	if _, err := l.transition(ctx, op, cur, domain.EventAutoReleased, domain.SystemActor, "auto-release window elapsed", l.creditSeller(cur), cur.BuyerID, cur.SellerID); err != nil {
		return false, err
	}
	return true, nil
}

// Run sweeps for due escrows every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := l.AutoRelease(ctx, batch)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("auto release sweep failed", zap.Error(err))
		} else if n > 0 {
			l.logger.Info("auto release sweep", zap.Int("released", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns the escrow for orderID.
func (l *Ledger) Get(ctx context.Context, orderID string) (domain.Transaction, error) {
	return l.get(ctx, "ledger.get", orderID)
}

// History returns the escrow transitions recorded for orderID, oldest first.
func (l *Ledger) History(ctx context.Context, orderID string) ([]audit.Record, error) {
	recs, err := l.history.ByOrder(ctx, orderID)
	if err != nil {
		return nil, apperror.Transient("ledger.history", err)
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Kind == audit.KindEscrowTransition {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Deposit credits account from an external funding source. reference makes
// the deposit idempotent.
func (l *Ledger) Deposit(ctx context.Context, account, currency string, amount int64, reference string) error {
	const op = "ledger.deposit"
	if account == "" || currency == "" || reference == "" {
		return apperror.Validation(op, "account, currency and reference are required")
	}
	if amount <= 0 {
		return apperror.Validation(op, "amount must be positive")
	}
	mv := domain.Movement{Account: account, Currency: currency, Delta: amount, DedupeKey: dedupeKey("deposit", reference)}
	if err := l.store.Move(ctx, mv); err != nil {
		return apperror.Transient(op, err)
	}
	return nil
}

// Balance returns account's available balance in currency.
func (l *Ledger) Balance(ctx context.Context, account, currency string) (int64, error) {
	b, err := l.store.Balance(ctx, account, currency)
	if err != nil {
		return 0, apperror.Transient("ledger.balance", err)
	}
	return b, nil
}

func (l *Ledger) transition(ctx context.Context, op string, cur domain.Transaction, ev domain.Event, actor domain.Actor, reason string, movements []domain.Movement, recipients ...string) (domain.Transaction, error) {
	to, err := domain.Next(cur.Status, ev)
	if err != nil {
		return cur, apperror.Consistency(op, err, string(cur.Status))
	}
	now := l.clock.Now()
	next := cur
	next.Status = to
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	switch to {
	case domain.StatusReleased:
		next.ReleasedAt = &now
	case domain.StatusDisputed:
		next.DisputedAt = &now
		next.DisputeReason = reason
	case domain.StatusCancelled:
		next.CancelledAt = &now
	}

	mut := domain.Mutation{
		Expect:    cur.Status,
		Txn:       next,
		Movements: movements,
		Audit:     []audit.Record{l.auditRecord(next, cur.Status, ev, actor, reason, now)},
		Outbox:    l.notifications(next, cur.Status, ev, reason, now, recipients...),
	}
	saved, err := l.store.Apply(ctx, mut)
	if err != nil {
		return cur, l.storeError(ctx, op, cur.OrderID, err)
	}
	escrowTransitions.WithLabelValues(string(cur.Status), string(to)).Inc()
	l.logger.Info("escrow transition",
		zap.String("order_id", cur.OrderID), zap.String("from", string(cur.Status)),
		zap.String("to", string(to)), zap.String("actor", actor.ID), zap.String("event", string(ev)))
	return saved, nil
}

func (l *Ledger) requireDelivered(ctx context.Context, op string, cur domain.Transaction) error {
	status, err := l.orders.OrderStatus(ctx, cur.OrderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return apperror.Consistency(op, fmt.Errorf("%w: order unknown", ErrNotDelivered), string(cur.Status))
	case err != nil:
		return apperror.Transient(op, fmt.Errorf("order status: %w", err))
	case status != dispatch.OrderDelivered && status != dispatch.OrderCompleted:
		return apperror.Consistency(op, fmt.Errorf("%w: order is %s", ErrNotDelivered, status), string(cur.Status))
	}
	return nil
}

func (l *Ledger) get(ctx context.Context, op, orderID string) (domain.Transaction, error) {
	if orderID == "" {
		return domain.Transaction{}, apperror.Validation(op, "order_id is required")
	}
	txn, err := l.store.Get(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Transaction{}, apperror.NotFound(op, fmt.Errorf("order %s: %w", orderID, err))
	}
	if err != nil {
		return domain.Transaction{}, apperror.Transient(op, err)
	}
	return txn, nil
}

// storeError classifies a failed Apply. A lost compare-and-set reports the
// state that won.
func (l *Ledger) storeError(ctx context.Context, op, orderID string, err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return &apperror.Error{Op: op, Kind: apperror.KindValidation, Err: err}
	case errors.Is(err, domain.ErrNotFound):
		return apperror.NotFound(op, err)
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		state := ""
		if cur, getErr := l.store.Get(ctx, orderID); getErr == nil {
			state = string(cur.Status)
		}
		return apperror.Consistency(op, err, state)
	default:
		return apperror.Transient(op, err)
	}
}

func (l *Ledger) creditSeller(t domain.Transaction) []domain.Movement {
	return []domain.Movement{{Account: t.SellerID, Currency: t.Currency, Delta: t.Amount, DedupeKey: dedupeKey("release", t.OrderID)}}
}

func (l *Ledger) refundBuyer(t domain.Transaction) []domain.Movement {
	return []domain.Movement{{Account: t.BuyerID, Currency: t.Currency, Delta: t.Amount, DedupeKey: dedupeKey("refund", t.OrderID)}}
}

func (l *Ledger) auditRecord(t domain.Transaction, from domain.Status, ev domain.Event, actor domain.Actor, reason string, at time.Time) audit.Record {
	return audit.Record{
		ID:      uuid.New(),
		OrderID: t.OrderID,
		Kind:    audit.KindEscrowTransition,
		Actor:   actor.ID,
		From:    string(from),
		To:      string(t.Status),
		Reason:  reason,
		Detail: map[string]any{
			"event":     string(ev),
			"escrow_id": t.EscrowID.String(),
			"amount":    t.Amount,
			"currency":  t.Currency,
			"role":      actor.Role,
		},
		At: at,
	}
}

func (l *Ledger) notifications(t domain.Transaction, from domain.Status, ev domain.Event, reason string, at time.Time, recipients ...string) []outbox.Message {
	msgs := make([]outbox.Message, 0, len(recipients))
	for _, r := range recipients {
		payload, err := json.Marshal(domain.Notification{
			OrderID:   t.OrderID,
			EscrowID:  t.EscrowID,
			Recipient: r,
			Event:     ev,
			From:      from,
			To:        t.Status,
			Amount:    t.Amount,
			Currency:  t.Currency,
			Reason:    reason,
			At:        at,
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, outbox.Message{
			Topic:   l.cfg.Subject + "." + r,
			Key:     string(ev) + ":" + t.OrderID + ":" + r,
			Payload: payload,
		})
	}
	return msgs
}

func (l *Ledger) start(ctx context.Context, op, orderID string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("order.id", orderID)))
}

func (l *Ledger) observe(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = apperror.KindOf(*err).String()
	}
	escrowOperations.WithLabelValues(op, result).Inc()
}

func counterparty(t domain.Transaction, p domain.Party) string {
	if p == domain.PartyBuyer {
		return t.SellerID
	}
	return t.BuyerID
}

func dedupeKey(event, id string) string {
	return event + ":" + id
}
