// Package acceptance handles a driver accepting an offered order: the
// service-type check is re-run against live driver state and the first
// eligible driver to accept wins the order.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/eligibility"
)

var ErrAlreadyAccepted = errors.New("order already accepted by another driver")

// Acceptance is a granted claim on an order.
type Acceptance struct {
	OrderID    string    `json:"order_id"`
	DriverID   string    `json:"driver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type Acceptor struct {
	validator *eligibility.Validator
	offers    OfferBook
	audit     audit.Sink
	clock     domain.Clock
	logger    *zap.Logger
}

func New(validator *eligibility.Validator, offers OfferBook, sink audit.Sink, logger *zap.Logger) *Acceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acceptor{
		validator: validator,
		offers:    offers,
		audit:     sink,
		clock:     domain.SystemClock{},
		logger:    logger.Named("acceptance"),
	}
}

// Open records order so that drivers can accept it. The order type stored
// here is the one acceptance is checked against.
func (a *Acceptor) Open(ctx context.Context, order domain.Order) error {
	const op = "acceptance.open"
	info := order.Info()
	err := a.offers.Open(ctx, Offer{OrderID: info.OrderID, Type: order.Type(), BuyerID: info.BuyerID})
	switch {
	case errors.Is(err, ErrOfferTaken):
		return a.taken(op, info.OrderID)
	case err != nil:
		return apperror.Transient(op, err)
	}
	return nil
}

// Offer returns what dispatch recorded about orderID.
func (a *Acceptor) Offer(ctx context.Context, orderID string) (Offer, error) {
	const op = "acceptance.offer"
	offer, err := a.offers.Lookup(ctx, orderID)
	switch {
	case errors.Is(err, ErrOrderNotOpen):
		return Offer{}, apperror.NotFound(op, fmt.Errorf("order %s: %w", orderID, err))
	case err != nil:
		return Offer{}, apperror.Transient(op, err)
	}
	return offer, nil
}

// Accept validates driverID against the dispatched order type and claims
// the order.
func (a *Acceptor) Accept(ctx context.Context, orderID, driverID string) (Acceptance, error) {
	const op = "acceptance.accept"
	offer, err := a.Offer(ctx, orderID)
	if err != nil {
		return Acceptance{}, err
	}
	if offer.Holder != "" && offer.Holder != driverID {
		return Acceptance{}, a.taken(op, orderID)
	}
	if err := a.validator.ValidateDriverServiceType(ctx, driverID, offer.Type, orderID); err != nil {
		a.logger.Info("acceptance rejected", zap.String("order_id", orderID), zap.String("driver_id", driverID), zap.Error(err))
		return Acceptance{}, err
	}

	_, granted, err := a.offers.Claim(ctx, orderID, driverID)
	switch {
	case errors.Is(err, ErrOrderNotOpen):
		return Acceptance{}, apperror.NotFound(op, fmt.Errorf("order %s: %w", orderID, err))
	case err != nil:
		return Acceptance{}, apperror.Transient(op, err)
	case !granted:
		return Acceptance{}, a.taken(op, orderID)
	}

	acc := Acceptance{OrderID: orderID, DriverID: driverID, AcceptedAt: a.clock.Now()}
	if a.audit != nil {
		rec := audit.Record{
			OrderID: orderID,
			Kind:    audit.KindDispatchDecision,
			Actor:   driverID,
			From:    string(domain.OrderPending),
			To:      string(domain.OrderAccepted),
			At:      acc.AcceptedAt,
		}
		if err := a.audit.Append(ctx, rec); err != nil {
			a.logger.Error("audit acceptance", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return acc, nil
}

// Withdraw gives the order back when its holder declines after accepting.
func (a *Acceptor) Withdraw(ctx context.Context, orderID, driverID string) error {
	if err := a.offers.Release(ctx, orderID, driverID); err != nil {
		return apperror.Transient("acceptance.withdraw", err)
	}
	return nil
}

func (a *Acceptor) taken(op, orderID string) error {
	return apperror.Consistency(op, fmt.Errorf("order %s: %w", orderID, ErrAlreadyAccepted), string(domain.OrderAccepted))
}
