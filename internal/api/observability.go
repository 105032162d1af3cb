package api

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-user or per-battle labels).
var (
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

// ObservabilityConfig configures the debug server.
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be "127.0.0.1:6060" in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults.
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// StartDebugServer starts the internal observability server.
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS.
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit".
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateWSConnections updates the WebSocket connection gauge.
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments the WebSocket message counter.
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
