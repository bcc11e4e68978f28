package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schema is the audit table shared by SQLLog and the Postgres escrow store.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
id UUID PRIMARY KEY,
order_id TEXT NOT NULL,
kind TEXT NOT NULL,
actor TEXT NOT NULL,
from_state TEXT,
to_state TEXT,
reason TEXT,
detail JSONB,
at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS audit_log_order_idx ON audit_log (order_id, at)`,
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert appends rec using ex, letting callers write audit records inside
// their own transaction.
func Insert(ctx context.Context, ex Execer, rec Record) error {
	rec = Prepare(rec, time.Now().UTC())
	var detail []byte
	if len(rec.Detail) > 0 {
		raw, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = raw
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO audit_log (id, order_id, kind, actor, from_state, to_state, reason, detail, at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.OrderID, string(rec.Kind), rec.Actor, rec.From, rec.To, rec.Reason, detail, rec.At)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// SQLLog is a Sink over the audit_log table.
type SQLLog struct {
	db *sql.DB
}

func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

func (l *SQLLog) Append(ctx context.Context, rec Record) error {
	return Insert(ctx, l.db, rec)
}

func (l *SQLLog) ByOrder(ctx context.Context, orderID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, order_id, kind, actor, COALESCE(from_state, ''), COALESCE(to_state, ''), COALESCE(reason, ''), detail, at FROM audit_log WHERE order_id = $1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		var (
			rec    Record
			kind   string
			detail []byte
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &kind, &rec.Actor, &rec.From, &rec.To, &rec.Reason, &detail, &rec.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Kind = Kind(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return recs, nil
}
