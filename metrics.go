package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_sessions",
		Help: "Live sessions per channel.",
	}, []string{"channel"})

	messagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_delivered_total",
		Help: "Messages pushed to a live receiver session.",
	})

	messagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_stored_total",
		Help: "Messages persisted for offline sync.",
	})

	duplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_duplicates_dropped_total",
		Help: "Publishes suppressed by the dedup cache.",
	})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_rate_limited_total",
		Help: "Publishes rejected by the rate limiter.",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_frames_dropped_total",
		Help: "Outbound frames dropped because a session's send queue was full.",
	})
)
