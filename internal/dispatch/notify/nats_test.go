package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

type capturePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (c *capturePublisher) PublishMsg(msg *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestNotifyPublishesPerDriverSubject(t *testing.T) {
	cp := &capturePublisher{}
	sent := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	p := &Publisher{conn: cp, subject: "dispatch.offers", now: func() time.Time { return sent }}

	summary := domain.Summary{OrderID: "O1", Type: domain.OrderTaxi, DistanceKM: 0.4}
	require.NoError(t, p.Notify(context.Background(), "taxi-1", summary))
	require.Len(t, cp.msgs, 1)

	msg := cp.msgs[0]
	require.Equal(t, "dispatch.offers.taxi-1", msg.Subject)
	require.Equal(t, "O1:taxi-1", msg.Header.Get(nats.MsgIdHdr))
	require.Equal(t, eventTypeOffer, msg.Header.Get("x-event-type"))

	var offer Offer
	require.NoError(t, json.Unmarshal(msg.Data, &offer))
	require.Equal(t, "taxi-1", offer.DriverID)
	require.Equal(t, summary, offer.Order)
	require.True(t, offer.SentAt.Equal(sent))
}

func TestNotifyPropagatesFailures(t *testing.T) {
	p := &Publisher{conn: &capturePublisher{err: errors.New("no responders")}, subject: "dispatch.offers", now: time.Now}
	require.Error(t, p.Notify(context.Background(), "d1", domain.Summary{OrderID: "O1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := &Publisher{conn: &capturePublisher{}, subject: "dispatch.offers", now: time.Now}
	require.ErrorIs(t, ok.Notify(ctx, "d1", domain.Summary{OrderID: "O1"}), context.Canceled)
}
