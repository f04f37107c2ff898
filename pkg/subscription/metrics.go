package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crpcgo/crpc/internal/build"
)

var (
	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "subscriptions_active",
		Help:      "The number of backend subscriptions currently open.",
	})

	opensCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "subscription_opens_total",
		Help:      "The total number of backend subscriptions opened.",
	})

	endsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "subscription_ends_total",
		Help:      "The total number of backend subscriptions closed, by reason.",
	}, []string{"reason"})
)
