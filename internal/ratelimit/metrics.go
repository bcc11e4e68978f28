package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Admission decisions grouped by tier and result.",
	}, []string{"tier", "result"})

	trackedWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimit_windows",
		Help: "In-memory rate limit windows remaining after the last cleanup.",
	})
)
