package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

// Queue writes each offer to the outbox on <subject>.<driverID>. The outbox
// worker relays it to NATS with the same dedup key Publisher uses.
type Queue struct {
	out     outbox.Writer
	subject string
	now     func() time.Time
}

func NewQueue(out outbox.Writer, subject string) *Queue {
	return &Queue{out: out, subject: subject, now: time.Now}
}

// Notify satisfies domain.Notifier.
func (q *Queue) Notify(ctx context.Context, driverID string, summary domain.Summary) error {
	if q == nil || q.out == nil {
		return errors.New("notify: no outbox")
	}
	payload, err := encodeOffer(driverID, summary, q.now())
	if err != nil {
		return err
	}
	msg := outbox.Message{
		Topic:   offerSubject(q.subject, driverID),
		Key:     offerKey(summary.OrderID, driverID),
		Payload: payload,
	}
	if err := q.out.Put(ctx, msg); err != nil {
		return fmt.Errorf("queue offer for %s: %w", driverID, err)
	}
	return nil
}
