package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	escrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Committed escrow state transitions.",
	}, []string{"from", "to"})

	escrowOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_operations_total",
		Help: "Escrow ledger operations grouped by operation and error kind.",
	}, []string{"op", "result"})

	autoReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_auto_released_total",
		Help: "Escrows released by the auto-release sweep.",
	})
)
