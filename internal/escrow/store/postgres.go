package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/dispatchcore/internal/audit"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/escrow/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

var escrowSchema = []string{
	`CREATE TABLE IF NOT EXISTS escrows (
order_id TEXT PRIMARY KEY,
escrow_id UUID NOT NULL UNIQUE,
buyer_id TEXT NOT NULL,
seller_id TEXT NOT NULL,
amount BIGINT NOT NULL CHECK (amount > 0),
currency TEXT NOT NULL,
status TEXT NOT NULL,
created_at TIMESTAMPTZ NOT NULL,
held_at TIMESTAMPTZ NOT NULL,
released_at TIMESTAMPTZ,
disputed_at TIMESTAMPTZ,
cancelled_at TIMESTAMPTZ,
dispute_reason TEXT NOT NULL DEFAULT '',
updated_at TIMESTAMPTZ NOT NULL,
version BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS escrows_due_idx ON escrows (status, held_at)`,
	`CREATE TABLE IF NOT EXISTS balances (
account_id TEXT NOT NULL,
currency TEXT NOT NULL,
available BIGINT NOT NULL DEFAULT 0,
PRIMARY KEY (account_id, currency)
)`,
	`CREATE TABLE IF NOT EXISTS balance_movements (
dedupe_key TEXT PRIMARY KEY,
account_id TEXT NOT NULL,
currency TEXT NOT NULL,
delta BIGINT NOT NULL,
applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS orders (
order_id TEXT PRIMARY KEY,
status TEXT NOT NULL
)`,
}

// Migrate creates the escrow, balance, order, audit and outbox tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := append(append(append([]string{}, escrowSchema...), audit.Schema...), outbox.Schema...)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Postgres is a Store on database/sql with the pgx driver. Every mutation
// runs in one serializable transaction.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const selectEscrow = `SELECT escrow_id, order_id, buyer_id, seller_id, amount, currency, status, created_at, held_at, released_at, disputed_at, cancelled_at, dispute_reason, updated_at, version FROM escrows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (domain.Transaction, error) {
	var (
		t      domain.Transaction
		status string
		rel    sql.NullTime
		dis    sql.NullTime
		can    sql.NullTime
	)
	if err := row.Scan(&t.EscrowID, &t.OrderID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency, &status, &t.CreatedAt, &t.HeldAt, &rel, &dis, &can, &t.DisputeReason, &t.UpdatedAt, &t.Version); err != nil {
		return domain.Transaction{}, err
	}
	t.Status = domain.Status(status)
	t.ReleasedAt = nullTime(rel)
	t.DisputedAt = nullTime(dis)
	t.CancelledAt = nullTime(can)
	return t, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func (p *Postgres) Get(ctx context.Context, orderID string) (domain.Transaction, error) {
	t, err := scanEscrow(p.db.QueryRowContext(ctx, selectEscrow+` WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("select escrow: %w", err)
	}
	return t, nil
}

func (p *Postgres) Apply(ctx context.Context, m domain.Mutation) (domain.Transaction, error) {
	err := p.withinTx(ctx, func(tx *sql.Tx) error {
		if m.Insert {
			if err := insertEscrow(ctx, tx, m.Txn); err != nil {
				return err
			}
		} else if err := updateEscrow(ctx, tx, m.Expect, m.Txn); err != nil {
			return err
		}
		if err := applyMovements(ctx, tx, m.Movements); err != nil {
			return err
		}
		for _, rec := range m.Audit {
			if err := audit.Insert(ctx, tx, rec); err != nil {
				return err
			}
		}
		for _, msg := range m.Outbox {
			if err := outbox.Insert(ctx, tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return m.Txn, nil
}

func (p *Postgres) Move(ctx context.Context, movements ...domain.Movement) error {
	return p.withinTx(ctx, func(tx *sql.Tx) error {
		return applyMovements(ctx, tx, movements)
	})
}

func (p *Postgres) Balance(ctx context.Context, account, currency string) (int64, error) {
	var available int64
	err := p.db.QueryRowContext(ctx, `SELECT available FROM balances WHERE account_id = $1 AND currency = $2`, account, currency).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return available, nil
}

// DueForAutoRelease returns at most limit escrows, every due one when limit
// is not positive.
func (p *Postgres) DueForAutoRelease(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	var lim any // LIMIT NULL is LIMIT ALL
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, selectEscrow+` WHERE status = $1 OR (status = $2 AND held_at <= $3) ORDER BY held_at LIMIT $4`,
		string(domain.StatusTimeout), string(domain.StatusHeld), cutoff, lim)
	if err != nil {
		return nil, fmt.Errorf("select due escrows: %w", err)
	}
	defer rows.Close()
	var due []domain.Transaction
	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrows: %w", err)
	}
	return due, nil
}

// withinTx runs fn in a serializable transaction, rolling back on error or
// panic.
func (p *Postgres) withinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify turns serialization failures into ErrConflict so the ledger
// reports them the same way as a lost compare-and-set.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
	}
	return err
}

func insertEscrow(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO escrows (order_id, escrow_id, buyer_id, seller_id, amount, currency, status, created_at, held_at, dispute_reason, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (order_id) DO NOTHING`,
		t.OrderID, t.EscrowID, t.BuyerID, t.SellerID, t.Amount, t.Currency, string(t.Status), t.CreatedAt, t.HeldAt, t.DisputeReason, t.UpdatedAt, t.Version)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

func updateEscrow(ctx context.Context, tx *sql.Tx, expect domain.Status, t domain.Transaction) error {
	res, err := tx.ExecContext(ctx, `UPDATE escrows SET status = $1, released_at = $2, disputed_at = $3, cancelled_at = $4, dispute_reason = $5, updated_at = $6, version = $7
WHERE order_id = $8 AND status = $9 AND version = $10`,
		string(t.Status), t.ReleasedAt, t.DisputedAt, t.CancelledAt, t.DisputeReason, t.UpdatedAt, t.Version,
		t.OrderID, string(expect), t.Version-1)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE order_id = $1)`, t.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("check escrow: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

func applyMovements(ctx context.Context, tx *sql.Tx, movements []domain.Movement) error {
	for _, mv := range movements {
		if mv.DedupeKey != "" {
			res, err := tx.ExecContext(ctx, `INSERT INTO balance_movements (dedupe_key, account_id, currency, delta) VALUES ($1, $2, $3, $4) ON CONFLICT (dedupe_key) DO NOTHING`,
				mv.DedupeKey, mv.Account, mv.Currency, mv.Delta)
			if err != nil {
				return fmt.Errorf("record movement: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
		}
		if mv.RequireFunds && mv.Delta < 0 {
			res, err := tx.ExecContext(ctx, `UPDATE balances SET available = available + $1 WHERE account_id = $2 AND currency = $3 AND available + $1 >= 0`,
				mv.Delta, mv.Account, mv.Currency)
			if err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return domain.ErrInsufficientFunds
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO balances (account_id, currency, available) VALUES ($1, $2, $3)
ON CONFLICT (account_id, currency) DO UPDATE SET available = balances.available + EXCLUDED.available`,
			mv.Account, mv.Currency, mv.Delta); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
	}
	return nil
}

// SQLOrders reads order status from the orders table the ordering flow
// maintains.
type SQLOrders struct {
	db *sql.DB
}

func NewSQLOrders(db *sql.DB) *SQLOrders {
	return &SQLOrders{db: db}
}

func (o *SQLOrders) OrderStatus(ctx context.Context, orderID string) (dispatch.OrderStatus, error) {
	var status string
	err := o.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = $1`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select order: %w", err)
	}
	return dispatch.OrderStatus(status), nil
}

// SetStatus upserts an order's status.
func (o *SQLOrders) SetStatus(ctx context.Context, orderID string, status dispatch.OrderStatus) error {
	_, err := o.db.ExecContext(ctx, `INSERT INTO orders (order_id, status) VALUES ($1, $2) ON CONFLICT (order_id) DO UPDATE SET status = EXCLUDED.status`, orderID, string(status))
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}
