// Package outbox relays messages enqueued alongside escrow mutations to NATS.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errNoTopic = errors.New("outbox message has no topic")

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Attempts per message within one batch; an exhausted message is retried
	// on the next poll.
	RetryMax int
	// Backoff is the base delay; attempt n waits n*n*Backoff.
	Backoff time.Duration
}

func (c *WorkerConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
}

// Broker is the slice of *nats.Conn the relay needs.
type Broker interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker drains a Source in id order. A message that cannot be delivered
// stops the batch so later notifications for the same order never overtake it.
type Worker struct {
	source Source
	broker Broker
	logger *zap.Logger
	cfg    WorkerConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewWorker(source Source, broker Broker, logger *zap.Logger, cfg WorkerConfig) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source: source,
		broker: broker,
		logger: logger.Named("outbox"),
		cfg:    cfg,
		tracer: otel.Tracer("dispatchcore/outbox"),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.source == nil || w.broker == nil {
		return errors.New("outbox worker requires a source and a broker")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("relay batch stopped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce relays one batch and marks what was delivered.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()
	return w.source.Process(ctx, w.cfg.BatchSize, func(ctx context.Context, msgs []Message) ([]int64, error) {
		span.SetAttributes(attribute.Int("outbox.batch_size", len(msgs)))
		delivered := make([]int64, 0, len(msgs))
		var oldest time.Duration
		for _, m := range msgs {
			if err := w.relay(ctx, m); err != nil {
				return delivered, err
			}
			delivered = append(delivered, m.ID)
			relayed.WithLabelValues(stream(m.Topic)).Inc()
			if age := w.now().Sub(m.CreatedAt); age > oldest {
				oldest = age
			}
		}
		oldestPending.Set(oldest.Seconds())
		return delivered, nil
	})
}

func (w *Worker) relay(ctx context.Context, m Message) error {
	if m.Topic == "" {
		return fmt.Errorf("relay %d: %w", m.ID, errNoTopic)
	}
	ctx, span := w.tracer.Start(ctx, "outbox.relay", trace.WithAttributes(attribute.String("outbox.topic", m.Topic)))
	defer span.End()

	msg := toNATS(ctx, m)
	for attempt := 1; ; attempt++ {
		err := w.broker.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("relay attempt failed",
			zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", m.ID), zap.String("topic", m.Topic))
		if attempt >= w.cfg.RetryMax {
			abandoned.WithLabelValues(stream(m.Topic)).Inc()
			return fmt.Errorf("relay %d after %d attempts: %w", m.ID, attempt, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// toNATS sets the dedupe key as the JetStream message id so redelivery after
// a crash between publish and mark is dropped by the broker.
func toNATS(ctx context.Context, m Message) *nats.Msg {
	msg := nats.NewMsg(m.Topic)
	msg.Data = m.Payload
	if m.Key != "" {
		msg.Header.Set(nats.MsgIdHdr, m.Key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg
}
