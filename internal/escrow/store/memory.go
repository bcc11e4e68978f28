// Package store persists escrows, balances and order status lookups, in
// memory or in Postgres.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatchcore/internal/audit"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

type balanceKey struct {
	account  string
	currency string
}

// Memory is an in-process Store. Audit records go to log and outbox
// messages to out, both under the store lock.
type Memory struct {
	mu       sync.Mutex
	escrows  map[string]domain.Transaction
	balances map[balanceKey]int64
	applied  map[string]struct{}
	log      *audit.MemoryLog
	out      *outbox.Memory
}

func NewMemory(log *audit.MemoryLog, out *outbox.Memory) *Memory {
	if log == nil {
		log = audit.NewMemoryLog()
	}
	if out == nil {
		out = outbox.NewMemory()
	}
	return &Memory{
		escrows:  make(map[string]domain.Transaction),
		balances: make(map[balanceKey]int64),
		applied:  make(map[string]struct{}),
		log:      log,
		out:      out,
	}
}

func (m *Memory) Get(_ context.Context, orderID string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.escrows[orderID]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return txn, nil
}

func (m *Memory) Apply(ctx context.Context, mut domain.Mutation) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.escrows[mut.Txn.OrderID]
	switch {
	case mut.Insert && exists:
		return domain.Transaction{}, domain.ErrDuplicate
	case !mut.Insert && !exists:
		return domain.Transaction{}, domain.ErrNotFound
	case !mut.Insert && (current.Status != mut.Expect || current.Version != mut.Txn.Version-1):
		return domain.Transaction{}, domain.ErrConflict
	}

	if err := m.checkFunds(mut.Movements); err != nil {
		return domain.Transaction{}, err
	}
	m.applyMovements(mut.Movements)

	m.escrows[mut.Txn.OrderID] = mut.Txn
	for _, rec := range mut.Audit {
		_ = m.log.Append(ctx, rec)
	}
	m.out.Enqueue(mut.Outbox...)
	return mut.Txn, nil
}

func (m *Memory) Move(_ context.Context, movements ...domain.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFunds(movements); err != nil {
		return err
	}
	m.applyMovements(movements)
	return nil
}

// checkFunds runs before anything changes so a rejected mutation leaves the
// store untouched.
func (m *Memory) checkFunds(movements []domain.Movement) error {
	pending := make(map[balanceKey]int64)
	for _, mv := range movements {
		if _, done := m.applied[mv.DedupeKey]; done && mv.DedupeKey != "" {
			continue
		}
		k := balanceKey{mv.Account, mv.Currency}
		if mv.RequireFunds && m.balances[k]+pending[k]+mv.Delta < 0 {
			return domain.ErrInsufficientFunds
		}
		pending[k] += mv.Delta
	}
	return nil
}

func (m *Memory) applyMovements(movements []domain.Movement) {
	for _, mv := range movements {
		if mv.DedupeKey != "" {
			if _, done := m.applied[mv.DedupeKey]; done {
				continue
			}
			m.applied[mv.DedupeKey] = struct{}{}
		}
		m.balances[balanceKey{mv.Account, mv.Currency}] += mv.Delta
	}
}

func (m *Memory) Balance(_ context.Context, account, currency string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{account, currency}], nil
}

func (m *Memory) DueForAutoRelease(_ context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Transaction
	for _, txn := range m.escrows {
		if txn.Status == domain.StatusTimeout || (txn.Status == domain.StatusHeld && !txn.HeldAt.After(cutoff)) {
			due = append(due, txn)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].HeldAt.Before(due[j].HeldAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MemoryOrders is an OrderDirectory fed by SetStatus.
type MemoryOrders struct {
	mu     sync.RWMutex
	status map[string]dispatch.OrderStatus
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{status: make(map[string]dispatch.OrderStatus)}
}

func (o *MemoryOrders) SetStatus(_ context.Context, orderID string, status dispatch.OrderStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[orderID] = status
	return nil
}

func (o *MemoryOrders) OrderStatus(_ context.Context, orderID string) (dispatch.OrderStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.status[orderID]
	if !ok {
		return "", domain.ErrOrderNotFound
	}
	return s, nil
}
