package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/acceptance"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/router"
	escrowdomain "github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/http/respond"
)

type Router interface {
	Route(ctx context.Context, order domain.Order) (router.Result, error)
}

type Acceptor interface {
	Open(ctx context.Context, order domain.Order) error
	Offer(ctx context.Context, orderID string) (acceptance.Offer, error)
	Accept(ctx context.Context, orderID, driverID string) (acceptance.Acceptance, error)
}

// Escrows resolves the buyer and seller of an order that has an escrow.
type Escrows interface {
	Get(ctx context.Context, orderID string) (escrowdomain.Transaction, error)
}

// HTTP exposes dispatch, acceptance and order audit endpoints.
type HTTP struct {
	router   Router
	acceptor Acceptor
	audit    audit.Sink
	escrows  Escrows
}

// NewHTTP builds the handler. escrows may be nil, in which case only the
// dispatched order's buyer and driver can read its audit trail.
func NewHTTP(r Router, a Acceptor, sink audit.Sink, escrows Escrows) *HTTP {
	return &HTTP{router: r, acceptor: a, audit: sink, escrows: escrows}
}

// Mount registers dispatch and acceptance. Callers install auth and rate
// limiting; anonymous callers may dispatch.
func (h *HTTP) Mount(r chi.Router) {
	r.Post("/v1/dispatch", h.dispatch)
	r.Post("/v1/dispatch/{orderId}/accept", h.accept)
}

// MountAudit registers the order audit trail. It belongs behind a router
// that requires a token.
func (h *HTTP) MountAudit(r chi.Router) {
	r.Get("/v1/orders/{orderId}/audit", h.history)
}

type orderRequest struct {
	OrderID      string          `json:"order_id"`
	Type         string          `json:"type"`
	BuyerID      string          `json:"buyer_id"`
	Pickup       domain.GeoPoint `json:"pickup"`
	Dropoff      domain.GeoPoint `json:"dropoff"`
	Price        domain.Money    `json:"price"`
	SellerID     string          `json:"seller_id,omitempty"`
	ListingID    string          `json:"listing_id,omitempty"`
	VehicleClass string          `json:"vehicle_class,omitempty"`
	PackageSize  string          `json:"package_size,omitempty"`
}

func (req orderRequest) toOrder() (domain.Order, error) {
	t, err := domain.ParseOrderType(req.Type)
	if err != nil {
		return nil, err
	}
	info := domain.OrderInfo{
		OrderID: req.OrderID,
		BuyerID: req.BuyerID,
		Pickup:  req.Pickup,
		Price:   req.Price,
		Status:  domain.OrderPending,
	}
	switch t {
	case domain.OrderTaxi:
		return domain.TaxiOrder{OrderInfo: info, Dropoff: req.Dropoff, VehicleClass: req.VehicleClass}, nil
	case domain.OrderDelivery:
		return domain.DeliveryOrder{OrderInfo: info, Dropoff: req.Dropoff, PackageSize: req.PackageSize}, nil
	default:
		return domain.MarketplaceOrder{OrderInfo: info, SellerID: req.SellerID, ListingID: req.ListingID, Dropoff: req.Dropoff}, nil
	}
}

func (h *HTTP) dispatch(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	order, err := req.toOrder()
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := order.Validate(); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.acceptor.Open(r.Context(), order); err != nil {
		respond.Error(w, err)
		return
	}
	res, err := h.router.Route(r.Context(), order)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusAccepted, res)
}

func (h *HTTP) accept(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		respond.Error(w, apperror.Forbidden("dispatch.accept", "driver identity required"))
		return
	}
	acc, err := h.acceptor.Accept(r.Context(), chi.URLParam(r, "orderId"), claims.Subject)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, acc)
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	const op = "audit.by_order"
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		respond.Error(w, apperror.Forbidden(op, "caller identity required"))
		return
	}
	orderID := chi.URLParam(r, "orderId")
	if !claims.HasRole(auth.RoleAdmin) && !h.isParty(r.Context(), orderID, claims.Subject) {
		respond.Error(w, apperror.Forbidden(op, "not a party to this order"))
		return
	}
	recs, err := h.audit.ByOrder(r.Context(), orderID)
	if err != nil {
		respond.Error(w, apperror.Transient(op, err))
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	respond.JSON(w, http.StatusOK, recs)
}

// isParty reports whether subject is the order's buyer, its accepting
// driver, or a side of its escrow. Lookup failures count as no.
func (h *HTTP) isParty(ctx context.Context, orderID, subject string) bool {
	if offer, err := h.acceptor.Offer(ctx, orderID); err == nil {
		if subject == offer.BuyerID || subject == offer.Holder {
			return true
		}
	}
	if h.escrows == nil {
		return false
	}
	txn, err := h.escrows.Get(ctx, orderID)
	if err != nil {
		return false
	}
	_, party := txn.PartyOf(subject)
	return party
}
