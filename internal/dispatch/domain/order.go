package domain

import (
	"fmt"
	"strings"

	"github.com/example/dispatchcore/internal/apperror"
)

type OrderType string

const (
	OrderTaxi        OrderType = "taxi"
	OrderDelivery    OrderType = "delivery"
	OrderMarketplace OrderType = "marketplace"
)

// ParseOrderType applies the allow-list of dispatchable order types.
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(strings.ToLower(strings.TrimSpace(s))); t {
	case OrderTaxi, OrderDelivery, OrderMarketplace:
		return t, nil
	default:
		return "", apperror.Validation("order.type", fmt.Sprintf("unsupported order type %q", s))
	}
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAccepted  OrderStatus = "accepted"
	OrderDelivered OrderStatus = "delivered"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further fulfilment happens for the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Money is an amount in the currency's minor unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// OrderInfo holds the fields every order kind carries.
type OrderInfo struct {
	OrderID string      `json:"order_id"`
	BuyerID string      `json:"buyer_id"`
	Pickup  GeoPoint    `json:"pickup"`
	Price   Money       `json:"price"`
	Status  OrderStatus `json:"status"`
}

// Order is the closed set of dispatchable orders: TaxiOrder, DeliveryOrder
// and MarketplaceOrder.
type Order interface {
	Info() OrderInfo
	Type() OrderType
	Validate() error
	sealed()
}

// TaxiOrder is a passenger ride.
type TaxiOrder struct {
	OrderInfo
	Dropoff      GeoPoint `json:"dropoff"`
	VehicleClass string   `json:"vehicle_class,omitempty"`
}

// DeliveryOrder is a courier parcel delivery.
type DeliveryOrder struct {
	OrderInfo
	Dropoff     GeoPoint `json:"dropoff"`
	PackageSize string   `json:"package_size,omitempty"`
}

// MarketplaceOrder is a purchase fulfilled by a courier from seller to buyer.
type MarketplaceOrder struct {
	OrderInfo
	SellerID  string   `json:"seller_id"`
	ListingID string   `json:"listing_id"`
	Dropoff   GeoPoint `json:"dropoff"`
}

func (o TaxiOrder) Info() OrderInfo        { return o.OrderInfo }
func (o DeliveryOrder) Info() OrderInfo    { return o.OrderInfo }
func (o MarketplaceOrder) Info() OrderInfo { return o.OrderInfo }

func (TaxiOrder) Type() OrderType        { return OrderTaxi }
func (DeliveryOrder) Type() OrderType    { return OrderDelivery }
func (MarketplaceOrder) Type() OrderType { return OrderMarketplace }

func (TaxiOrder) sealed()        {}
func (DeliveryOrder) sealed()    {}
func (MarketplaceOrder) sealed() {}

func (o TaxiOrder) Validate() error {
	if err := o.OrderInfo.validate(); err != nil {
		return err
	}
	if !o.Dropoff.Valid() {
		return apperror.Validation("order.validate", "taxi order requires a valid dropoff")
	}
	return nil
}

func (o DeliveryOrder) Validate() error {
	if err := o.OrderInfo.validate(); err != nil {
		return err
	}
	if !o.Dropoff.Valid() {
		return apperror.Validation("order.validate", "delivery order requires a valid dropoff")
	}
	return nil
}

func (o MarketplaceOrder) Validate() error {
	if err := o.OrderInfo.validate(); err != nil {
		return err
	}
	if o.SellerID == "" {
		return apperror.Validation("order.validate", "marketplace order requires seller_id")
	}
	if o.ListingID == "" {
		return apperror.Validation("order.validate", "marketplace order requires listing_id")
	}
	return nil
}

func (i OrderInfo) validate() error {
	if i.OrderID == "" {
		return apperror.Validation("order.validate", "order_id is required")
	}
	if i.BuyerID == "" {
		return apperror.Validation("order.validate", "buyer_id is required")
	}
	if !i.Pickup.Valid() {
		return apperror.Validation("order.validate", "pickup coordinates are out of range")
	}
	if i.Price.Amount < 0 {
		return apperror.Validation("order.validate", "price must not be negative")
	}
	if i.Status.Terminal() {
		return apperror.Validation("order.validate", "order is already "+string(i.Status))
	}
	return nil
}

// Summary is what a notified driver sees about an order.
type Summary struct {
	OrderID    string    `json:"order_id"`
	Type       OrderType `json:"type"`
	Pickup     GeoPoint  `json:"pickup"`
	DistanceKM float64   `json:"distance_km"`
	Price      Money     `json:"price"`
}

// Summarize builds the notification payload for a candidate at distanceKM.
func Summarize(o Order, distanceKM float64) Summary {
	info := o.Info()
	return Summary{OrderID: info.OrderID, Type: o.Type(), Pickup: info.Pickup, DistanceKM: distanceKM, Price: info.Price}
}
