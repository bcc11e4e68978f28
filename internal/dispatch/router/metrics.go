package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_pass_seconds",
		Help:    "Time spent on a dispatch pass grouped by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notifications_total",
		Help: "Driver offer notifications grouped by outcome.",
	}, []string{"result"})

	candidatesFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_candidates_filtered_total",
		Help: "Candidates dropped by the eligibility filter grouped by reason.",
	}, []string{"reason"})
)
