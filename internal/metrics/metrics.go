package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "sessions_active",
		Help:      "Number of live WebSocket sessions.",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "subscriptions_active",
		Help:      "Number of active (session, room) subscriptions.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "events_published_total",
		Help:      "Events accepted by the router, by stream kind.",
	}, []string{"kind"})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "fanout_deliveries_total",
		Help:      "Per-subscriber event deliveries.",
	})

	PublishRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "publish_rejected_total",
		Help:      "Rejected subscribe/publish requests, by reason.",
	}, []string{"reason"})

	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "slow_consumer_drops_total",
		Help:      "Subscribers dropped from a room because their outbox was full.",
	})
)
