package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/auth"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/escrow/ledger"
	"github.com/example/dispatchcore/internal/http/respond"
)

// Ledger is the subset of *ledger.Ledger the endpoints call.
type Ledger interface {
	Authorize(ctx context.Context, in ledger.AuthorizeInput, actor domain.Actor) (domain.Transaction, error)
	Release(ctx context.Context, orderID string, actor domain.Actor) (domain.Transaction, error)
	RaiseDispute(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Transaction, error)
	Cancel(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Transaction, error)
	ResolveDispute(ctx context.Context, orderID string, actor domain.Actor, favor domain.Party, reason string) (domain.Transaction, error)
	Get(ctx context.Context, orderID string) (domain.Transaction, error)
	History(ctx context.Context, orderID string) ([]audit.Record, error)
	Deposit(ctx context.Context, account, currency string, amount int64, reference string) error
	Balance(ctx context.Context, account, currency string) (int64, error)
}

// OrderStatusWriter records order progress reported by the ordering flow.
type OrderStatusWriter interface {
	SetStatus(ctx context.Context, orderID string, status dispatch.OrderStatus) error
}

type HTTP struct {
	ledger Ledger
	orders OrderStatusWriter
}

func NewHTTP(l Ledger, orders OrderStatusWriter) *HTTP {
	return &HTTP{ledger: l, orders: orders}
}

// Mount registers the escrow endpoints. Every route expects auth claims in
// the request context.
func (h *HTTP) Mount(r chi.Router) {
	r.Route("/v1/escrows", func(r chi.Router) {
		r.Post("/", h.authorize)
		r.Get("/{orderId}", h.get)
		r.Get("/{orderId}/history", h.history)
		r.Post("/{orderId}/release", h.release)
		r.Post("/{orderId}/dispute", h.dispute)
		r.Post("/{orderId}/cancel", h.cancel)
		r.Post("/{orderId}/resolve", h.resolve)
	})
	r.Get("/v1/accounts/{accountId}/balance", h.balance)
	r.Post("/v1/accounts/{accountId}/deposits", h.deposit)
	r.Put("/v1/orders/{orderId}/status", h.orderStatus)
}

func actorFrom(r *http.Request, op string) (domain.Actor, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		return domain.Actor{}, apperror.Forbidden(op, "caller identity required")
	}
	return domain.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *HTTP) authorize(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.authorize")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var in ledger.AuthorizeInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	txn, err := h.ledger.Authorize(r.Context(), in, actor)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, txn)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.get")
	if err != nil {
		respond.Error(w, err)
		return
	}
	txn, err := h.ledger.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	if _, party := txn.PartyOf(actor.ID); !party && actor.Role != auth.RoleAdmin {
		respond.Error(w, apperror.Forbidden("escrow.get", "not a party to this escrow"))
		return
	}
	respond.JSON(w, http.StatusOK, txn)
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.history")
	if err != nil {
		respond.Error(w, err)
		return
	}
	orderID := chi.URLParam(r, "orderId")
	txn, err := h.ledger.Get(r.Context(), orderID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if _, party := txn.PartyOf(actor.ID); !party && actor.Role != auth.RoleAdmin {
		respond.Error(w, apperror.Forbidden("escrow.history", "not a party to this escrow"))
		return
	}
	recs, err := h.ledger.History(r.Context(), orderID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	respond.JSON(w, http.StatusOK, recs)
}

func (h *HTTP) release(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.release")
	if err != nil {
		respond.Error(w, err)
		return
	}
	txn, err := h.ledger.Release(r.Context(), chi.URLParam(r, "orderId"), actor)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txn)
}

func (h *HTTP) dispute(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.dispute")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var body reasonRequest
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, err)
		return
	}
	txn, err := h.ledger.RaiseDispute(r.Context(), chi.URLParam(r, "orderId"), actor, body.Reason)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txn)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.cancel")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var body reasonRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &body); err != nil {
			respond.Error(w, err)
			return
		}
	}
	txn, err := h.ledger.Cancel(r.Context(), chi.URLParam(r, "orderId"), actor, body.Reason)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txn)
}

func (h *HTTP) resolve(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.resolve")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var body struct {
		Favor  domain.Party `json:"favor"`
		Reason string       `json:"reason"`
	}
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, err)
		return
	}
	txn, err := h.ledger.ResolveDispute(r.Context(), chi.URLParam(r, "orderId"), actor, body.Favor, body.Reason)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txn)
}

func (h *HTTP) balance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.balance")
	if err != nil {
		respond.Error(w, err)
		return
	}
	account := chi.URLParam(r, "accountId")
	if account != actor.ID && actor.Role != auth.RoleAdmin {
		respond.Error(w, apperror.Forbidden("escrow.balance", "balance belongs to another account"))
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		respond.Error(w, apperror.Validation("escrow.balance", "currency query parameter is required"))
		return
	}
	amount, err := h.ledger.Balance(r.Context(), account, currency)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"account": account, "currency": currency, "available": amount})
}

// deposit credits an account from an external payment reference. Only admins
// may call it; payment provider callbacks run under an admin token.
func (h *HTTP) deposit(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r, "escrow.deposit")
	if err != nil {
		respond.Error(w, err)
		return
	}
	if actor.Role != auth.RoleAdmin {
		respond.Error(w, apperror.Forbidden("escrow.deposit", "deposits require the admin role"))
		return
	}
	var body struct {
		Currency  string `json:"currency"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.ledger.Deposit(r.Context(), chi.URLParam(r, "accountId"), body.Currency, body.Amount, body.Reference); err != nil {
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// orderStatus is the ordering flow's callback. Release checks delivery
// against what it records here.
func (h *HTTP) orderStatus(w http.ResponseWriter, r *http.Request) {
	const op = "orders.set_status"
	actor, err := actorFrom(r, op)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if actor.Role != auth.RoleAdmin {
		respond.Error(w, apperror.Forbidden(op, "order status is reported by the ordering service"))
		return
	}
	var body struct {
		Status dispatch.OrderStatus `json:"status"`
	}
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, err)
		return
	}
	switch body.Status {
	case dispatch.OrderPending, dispatch.OrderAccepted, dispatch.OrderDelivered, dispatch.OrderCompleted, dispatch.OrderCancelled:
	default:
		respond.Error(w, apperror.Validation(op, fmt.Sprintf("unknown order status %q", body.Status)))
		return
	}
	if err := h.orders.SetStatus(r.Context(), chi.URLParam(r, "orderId"), body.Status); err != nil {
		respond.Error(w, apperror.Transient(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
