package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PublishFunc publishes a batch and returns the ids that reached the broker,
// along with the error that stopped it, if any.
type PublishFunc func(ctx context.Context, msgs []Message) ([]int64, error)

// Source hands unpublished messages to a PublishFunc and marks whatever it
// reports as published.
type Source interface {
	Process(ctx context.Context, limit int, publish PublishFunc) error
}

// SQLSource claims rows with FOR UPDATE SKIP LOCKED so several workers can
// drain the same table.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) Process(ctx context.Context, limit int, publish PublishFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	msgs, err := s.loadPending(ctx, tx, limit)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if len(msgs) == 0 {
		return tx.Commit()
	}
	ids, pubErr := publish(ctx, msgs)
	if err := markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return errors.Join(pubErr, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(pubErr, fmt.Errorf("commit outbox: %w", err))
	}
	return pubErr
}

func (s *SQLSource) loadPending(ctx context.Context, tx *sql.Tx, limit int) ([]Message, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, msg_key, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return msgs, nil
}

func markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// Memory is an in-process outbox for tests and single-node runs.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	pending   []Message
	published []Message
}

func NewMemory() *Memory {
	return &Memory{}
}

// Enqueue appends msgs, assigning ids.
func (m *Memory) Enqueue(msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, msg := range msgs {
		m.nextID++
		msg.ID = m.nextID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		m.pending = append(m.pending, msg)
	}
}

// Put enqueues a single message.
func (m *Memory) Put(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errMissingTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Enqueue(msg)
	return nil
}

// Process holds the outbox lock for the duration of publish, mirroring the
// row locks SQLSource takes.
func (m *Memory) Process(ctx context.Context, limit int, publish PublishFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	n := len(m.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := append([]Message(nil), m.pending[:n]...)
	ids, pubErr := publish(ctx, batch)
	done := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
	}
	remaining := m.pending[:0]
	for _, msg := range m.pending {
		if _, ok := done[msg.ID]; ok {
			m.published = append(m.published, msg)
			continue
		}
		remaining = append(remaining, msg)
	}
	m.pending = remaining
	return pubErr
}

// Pending returns a copy of unpublished messages.
func (m *Memory) Pending() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.pending...)
}

// Published returns a copy of published messages in publish order.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}
