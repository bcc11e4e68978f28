// Package domain holds the escrow state machine and the ports the ledger
// persists through.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusHeld      Status = "held"
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

type Event string

const (
	EventFundsAuthorized   Event = "funds_authorized"
	EventDeliveryConfirmed Event = "delivery_confirmed"
	EventDisputeRaised     Event = "dispute_raised"
	EventTimeoutElapsed    Event = "timeout_elapsed"
	EventAutoReleased      Event = "auto_released"
	EventOrderCancelled    Event = "order_cancelled"
	EventResolvedBuyer     Event = "resolved_for_buyer"
	EventResolvedSeller    Event = "resolved_for_seller"
)

var ErrIllegalTransition = errors.New("transition not permitted")

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventFundsAuthorized: StatusHeld,
	},
	StatusHeld: {
		EventDeliveryConfirmed: StatusReleased,
		EventDisputeRaised:     StatusDisputed,
		EventTimeoutElapsed:    StatusTimeout,
		EventOrderCancelled:    StatusCancelled,
	},
	StatusTimeout: {
		EventAutoReleased: StatusReleased,
		// A buyer confirming after the timeout was recorded completes the
		// same release.
		EventDeliveryConfirmed: StatusReleased,
	},
	StatusDisputed: {
		EventResolvedBuyer:  StatusCancelled,
		EventResolvedSeller: StatusReleased,
	},
}

// Next returns the state ev moves from into.
func Next(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// Transaction is the escrow record for one order. Amount never changes once
// the escrow leaves pending.
type Transaction struct {
	EscrowID      uuid.UUID  `json:"escrow_id"`
	OrderID       string     `json:"order_id"`
	BuyerID       string     `json:"buyer_id"`
	SellerID      string     `json:"seller_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	HeldAt        time.Time  `json:"held_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	DisputedAt    *time.Time `json:"disputed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	DisputeReason string     `json:"dispute_reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

// Party names one side of an escrow.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// PartyOf reports which side actorID is on, if any.
func (t Transaction) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case t.BuyerID:
		return PartyBuyer, true
	case t.SellerID:
		return PartySeller, true
	default:
		return "", false
	}
}

// Actor is whoever requests a transition.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActor performs scheduled transitions.
var SystemActor = Actor{ID: "system", Role: "system"}

// Notification tells one party about a transition.
type Notification struct {
	OrderID   string    `json:"order_id"`
	EscrowID  uuid.UUID `json:"escrow_id"`
	Recipient string    `json:"recipient"`
	Event     Event     `json:"event"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
