// Package notify hands driver offers to the notification transport, either
// straight over NATS or through the outbox when no broker is connected.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const eventTypeOffer = "order.offer"

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Offer is the message a driver's device receives.
type Offer struct {
	DriverID string         `json:"driver_id"`
	Order    domain.Summary `json:"order"`
	SentAt   time.Time      `json:"sent_at"`
}

// Publisher publishes one offer per driver on <subject>.<driverID>.
type Publisher struct {
	conn    natsPublisher
	subject string
	now     func() time.Time
}

func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	p := &Publisher{subject: subject, now: time.Now}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Notify satisfies domain.Notifier.
func (p *Publisher) Notify(ctx context.Context, driverID string, summary domain.Summary) error {
	if p == nil || p.conn == nil {
		return errors.New("notify: no nats connection")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeOffer(driverID, summary, p.now())
	if err != nil {
		return err
	}
	msg := nats.NewMsg(offerSubject(p.subject, driverID))
	msg.Data = payload
	msg.Header.Set("x-event-type", eventTypeOffer)
	msg.Header.Set(nats.MsgIdHdr, offerKey(summary.OrderID, driverID))
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish offer to %s: %w", driverID, err)
	}
	return nil
}

func encodeOffer(driverID string, summary domain.Summary, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(Offer{DriverID: driverID, Order: summary, SentAt: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal offer: %w", err)
	}
	return payload, nil
}

func offerSubject(subject, driverID string) string { return subject + "." + driverID }

func offerKey(orderID, driverID string) string { return orderID + ":" + driverID }

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
