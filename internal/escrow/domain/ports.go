package domain

import (
	"context"
	"errors"
	"time"

	"github.com/example/dispatchcore/internal/audit"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrDuplicate         = errors.New("escrow already exists for order")
	ErrConflict          = errors.New("escrow changed concurrently")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrOrderNotFound     = errors.New("order not found")
)

// Movement changes one account's available balance. A movement whose
// DedupeKey was already applied is skipped.
type Movement struct {
	Account      string
	Currency     string
	Delta        int64
	DedupeKey    string
	RequireFunds bool
}

// Mutation is everything one escrow transition changes. Stores apply it
// atomically: the status compare-and-set, balance movements, audit records
// and outbox messages commit together or not at all.
type Mutation struct {
	// Insert creates Txn; it fails with ErrDuplicate when the order already
	// has an escrow.
	Insert bool
	// Expect guards updates: Txn is written only if the stored escrow is
	// still in Expect at Txn.Version-1.
	Expect    Status
	Txn       Transaction
	Movements []Movement
	Audit     []audit.Record
	Outbox    []outbox.Message
}

// Store persists escrows and balances.
type Store interface {
	Get(ctx context.Context, orderID string) (Transaction, error)
	Apply(ctx context.Context, m Mutation) (Transaction, error)
	// Move applies balance movements without touching an escrow.
	Move(ctx context.Context, movements ...Movement) error
	Balance(ctx context.Context, account, currency string) (int64, error)
	// DueForAutoRelease lists escrows held since before cutoff, plus any left
	// in timeout.
	DueForAutoRelease(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)
}

// OrderDirectory reports the fulfilment status of orders owned by the
// ordering flow.
type OrderDirectory interface {
	OrderStatus(ctx context.Context, orderID string) (dispatch.OrderStatus, error)
}

type Clock interface {
	Now() time.Time
}
