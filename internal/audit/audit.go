// Package audit is the append-only activity log of escrow transitions and
// dispatch decisions, queryable by order.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindEscrowTransition Kind = "escrow_transition"
	KindDispatchDecision Kind = "dispatch_decision"
)

// Record is immutable once appended.
type Record struct {
	ID      uuid.UUID      `json:"id"`
	OrderID string         `json:"order_id"`
	Kind    Kind           `json:"kind"`
	Actor   string         `json:"actor"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink appends records and returns an order's history oldest first.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	ByOrder(ctx context.Context, orderID string) ([]Record, error)
}

// Prepare fills the id and timestamp of a record about to be appended.
func Prepare(rec Record, now time.Time) Record {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = now
	}
	return rec
}

// MemoryLog is an in-memory Sink.
type MemoryLog struct {
	mu      sync.RWMutex
	byOrder map[string][]Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byOrder: make(map[string][]Record)}
}

func (l *MemoryLog) Append(_ context.Context, rec Record) error {
	rec = Prepare(rec, time.Now().UTC())
	rec.Detail = cloneDetail(rec.Detail)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byOrder[rec.OrderID] = append(l.byOrder[rec.OrderID], rec)
	return nil
}

func (l *MemoryLog) ByOrder(_ context.Context, orderID string) ([]Record, error) {
	l.mu.RLock()
	recs := append([]Record(nil), l.byOrder[orderID]...)
	l.mu.RUnlock()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].At.Before(recs[j].At) })
	return recs, nil
}

// cloneDetail round-trips through JSON so stored records never alias caller
// maps and match what SQLLog would return.
func cloneDetail(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
