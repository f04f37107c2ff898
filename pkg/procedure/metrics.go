package procedure

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crpcgo/crpc/internal/build"
)

var (
	callCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "procedure_calls_total",
		Help:      "The total number of procedure calls by function, kind and result code.",
	}, []string{"function", "kind", "code"})

	callDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "procedure_call_duration_ms",
		Help:                            "The duration (in ms) of procedure calls, including every middleware stage.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 300, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"kind", "code"})
)
