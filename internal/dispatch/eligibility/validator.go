// Package eligibility decides whether a driver may be offered, or may accept,
// an order. Dispatch and acceptance share the same rule so both decisions
// agree for the same system state.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/dispatch/domain"
)

var (
	ErrServiceTypeMismatch = errors.New("driver service type does not match order")
	ErrDriverNotReady      = errors.New("driver is not online, available and verified")
)

// RequiredServiceType maps an order to the certification its driver needs.
// Marketplace orders are fulfilled by couriers.
func RequiredServiceType(o domain.Order) (domain.ServiceType, error) {
	switch o.(type) {
	case domain.TaxiOrder, *domain.TaxiOrder:
		return domain.ServiceTaxi, nil
	case domain.DeliveryOrder, *domain.DeliveryOrder:
		return domain.ServiceDelivery, nil
	case domain.MarketplaceOrder, *domain.MarketplaceOrder:
		return domain.ServiceDelivery, nil
	default:
		return "", apperror.Validation("eligibility", fmt.Sprintf("unsupported order %T", o))
	}
}

// ServiceTypeFor is RequiredServiceType keyed by order type, for callers that
// only hold the type recorded at dispatch (the acceptance flow).
func ServiceTypeFor(t domain.OrderType) (domain.ServiceType, error) {
	switch t {
	case domain.OrderTaxi:
		return domain.ServiceTaxi, nil
	case domain.OrderDelivery, domain.OrderMarketplace:
		return domain.ServiceDelivery, nil
	default:
		return "", apperror.Validation("eligibility", fmt.Sprintf("unsupported order type %q", t))
	}
}

// Check returns nil when c may work an order needing the required service type.
func Check(c domain.DriverCandidate, required domain.ServiceType) error {
	if !c.Ready() {
		return ErrDriverNotReady
	}
	if c.ServiceType != required {
		return fmt.Errorf("%w: driver is %s, order needs %s", ErrServiceTypeMismatch, c.ServiceType, required)
	}
	return nil
}

// Validator re-checks eligibility against the live driver directory.
type Validator struct {
	drivers domain.DriverDirectory
}

func NewValidator(drivers domain.DriverDirectory) *Validator {
	return &Validator{drivers: drivers}
}

// ValidateDriverServiceType runs at acceptance time: certification can change
// between notification and acceptance.
func (v *Validator) ValidateDriverServiceType(ctx context.Context, driverID string, orderType domain.OrderType, orderID string) error {
	const op = "eligibility.validate_driver"
	if driverID == "" || orderID == "" {
		return apperror.Validation(op, "driver_id and order_id are required")
	}
	driver, err := v.drivers.Driver(ctx, driverID)
	if err != nil {
		if errors.Is(err, domain.ErrDriverNotFound) {
			return apperror.Eligibility(op, err)
		}
		return apperror.Transient(op, fmt.Errorf("lookup driver %s: %w", driverID, err))
	}
	required, err := ServiceTypeFor(orderType)
	if err != nil {
		return err
	}
	if err := Check(driver, required); err != nil {
		if apperror.KindOf(err) != apperror.KindUnknown {
			return err
		}
		return apperror.Eligibility(op, fmt.Errorf("order %s: %w", orderID, err))
	}
	return nil
}
