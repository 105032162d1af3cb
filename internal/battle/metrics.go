package battle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_queue_depth",
		Help: "Battles accepted but not yet picked up by a worker",
	})

	metricActiveBattles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_active",
		Help: "Battles currently being executed",
	})

	metricWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_workers",
		Help: "Current worker pool size",
	})

	metricBattlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_finished_total",
		Help: "Finished battles by terminal status",
	}, []string{"status"})

	metricCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_cancelled_total",
		Help: "User-initiated cancellations (system cancellations excluded)",
	})

	metricDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "battle_duration_seconds",
		Help:    "Wall-clock battle execution time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68min
	})

	metricCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_host_cpu_percent",
		Help: "Host CPU utilization as sampled by the pool monitor",
	})

	metricMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_host_mem_percent",
		Help: "Host memory utilization as sampled by the pool monitor",
	})
)
