package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/audit"
	"github.com/example/dispatchcore/internal/auth"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/escrow/handler"
	"github.com/example/dispatchcore/internal/escrow/ledger"
	"github.com/example/dispatchcore/internal/escrow/store"
	"github.com/example/dispatchcore/internal/outbox"
)

const secret = "test-secret"

func newServer(t *testing.T) (*httptest.Server, *store.MemoryOrders) {
	t.Helper()
	log := audit.NewMemoryLog()
	orders := store.NewMemoryOrders()
	l := ledger.New(store.NewMemory(log, outbox.NewMemory()), orders, log, nil, ledger.Config{})

	r := chi.NewRouter()
	r.Use(auth.Middleware(secret))
	handler.NewHTTP(l, orders).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, orders
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Sign(secret, auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, method, url, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeTxn(t *testing.T, resp *http.Response) domain.Transaction {
	t.Helper()
	var txn domain.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txn))
	return txn
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	srv, orders := newServer(t)
	admin := token(t, "ops", auth.RoleAdmin)
	buyer := token(t, "B1", auth.RoleBuyer)
	seller := token(t, "S1", auth.RoleSeller)

	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts/B1/deposits", buyer, `{"currency":"CDF","amount":50000,"reference":"pay-1"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts/B1/deposits", admin, `{"currency":"CDF","amount":50000,"reference":"pay-1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/", buyer, `{"order_id":"O2","buyer_id":"B1","seller_id":"S1","amount":50000,"currency":"CDF"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, domain.StatusHeld, decodeTxn(t, resp).Status)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O2/release", buyer, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var body struct {
		Kind  string `json:"kind"`
		State string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "held", body.State)

	resp = do(t, http.MethodPut, srv.URL+"/v1/orders/O2/status", buyer, `{"status":"delivered"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodPut, srv.URL+"/v1/orders/O2/status", admin, `{"status":"teleported"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPut, srv.URL+"/v1/orders/O2/status", admin, `{"status":"delivered"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	status, err := orders.OrderStatus(context.Background(), "O2")
	require.NoError(t, err)
	require.Equal(t, dispatch.OrderDelivered, status)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O2/release", seller, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O2/release", buyer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatusReleased, decodeTxn(t, resp).Status)

	resp = do(t, http.MethodGet, srv.URL+"/v1/accounts/S1/balance?currency=CDF", seller, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal struct {
		Available int64 `json:"available"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bal))
	require.EqualValues(t, 50000, bal.Available)

	resp = do(t, http.MethodGet, srv.URL+"/v1/escrows/O2/history", seller, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []audit.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 2)
}

func TestDisputeAndResolveOverHTTP(t *testing.T) {
	srv, _ := newServer(t)
	admin := token(t, "ops", auth.RoleAdmin)
	buyer := token(t, "B1", auth.RoleBuyer)
	stranger := token(t, "X", auth.RoleBuyer)

	do(t, http.MethodPost, srv.URL+"/v1/accounts/B1/deposits", admin, `{"currency":"CDF","amount":800,"reference":"pay-2"}`)
	resp := do(t, http.MethodPost, srv.URL+"/v1/escrows/", buyer, `{"order_id":"O3","buyer_id":"B1","seller_id":"S1","amount":800,"currency":"CDF"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/escrows/O3", stranger, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/v1/escrows/O3/history", stranger, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "history is limited to the parties")
	resp = do(t, http.MethodGet, srv.URL+"/v1/escrows/O3/history", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O3/dispute", buyer, `{"reason":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O3/dispute", buyer, `{"reason":"never arrived"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O3/resolve", buyer, `{"favor":"buyer","reason":"mine"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O3/resolve", admin, `{"favor":"buyer","reason":"courier confirmed loss"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatusCancelled, decodeTxn(t, resp).Status)

	resp = do(t, http.MethodPost, srv.URL+"/v1/escrows/O3/cancel", buyer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "cancel of a cancelled escrow is a no-op")

	resp = do(t, http.MethodGet, srv.URL+"/v1/escrows/missing", admin, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEscrowRoutesRequireToken(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/v1/escrows/O1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

var _ handler.Ledger = (*ledger.Ledger)(nil)
