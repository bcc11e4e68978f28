package outbox

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relayed_total",
		Help: "Outbox messages delivered to the broker, by stream.",
	}, []string{"stream"})

	abandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_abandoned_total",
		Help: "Relay attempts that ran out of retries, by stream. The message stays pending.",
	}, []string{"stream"})

	oldestPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_relayed_age_seconds",
		Help: "Age of the oldest message relayed in the last batch.",
	})
)

// stream drops the recipient suffix so labels stay bounded:
// "escrow.notifications.B1" becomes "escrow.notifications".
func stream(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
