package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema creates the outbox table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
msg_key TEXT NOT NULL DEFAULT '',
payload BYTEA,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (id) WHERE published = false`,
}

// Message is a pending notification. Key deduplicates redelivery on the
// broker side.
type Message struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

var errMissingTopic = errors.New("enqueue outbox: missing topic")

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer enqueues one message on its own, outside any caller transaction.
type Writer interface {
	Put(ctx context.Context, msg Message) error
}

// SQLWriter is the Writer over the outbox table.
type SQLWriter struct {
	ex Execer
}

func NewSQLWriter(ex Execer) *SQLWriter {
	return &SQLWriter{ex: ex}
}

func (w *SQLWriter) Put(ctx context.Context, msg Message) error {
	return Insert(ctx, w.ex, msg)
}

// Insert enqueues msg using ex so producers can enqueue inside their own
// transaction.
func Insert(ctx context.Context, ex Execer, msg Message) error {
	if msg.Topic == "" {
		return errMissingTopic
	}
	if _, err := ex.ExecContext(ctx, `INSERT INTO outbox (topic, msg_key, payload, published) VALUES ($1, $2, $3, false)`, msg.Topic, msg.Key, msg.Payload); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
