package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_call_duration_seconds",
		Help:    "Wall-clock time of one chat completion including retries",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	callTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_calls_total",
		Help: "Chat completions attempted",
	}, []string{"outcome"}) // Bounded: "ok", "error"
)

func observeCall(d time.Duration, ok bool) {
	callDuration.Observe(d.Seconds())
	if ok {
		callTotal.WithLabelValues("ok").Inc()
	} else {
		callTotal.WithLabelValues("error").Inc()
	}
}
