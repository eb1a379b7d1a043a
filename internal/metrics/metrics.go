// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CertificatesRegistered counts root certificate mints.
	CertificatesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safledger_certificates_registered_total",
		Help: "Total number of root certificates minted",
	})

	// BidsPlaced counts bids accepted into the book.
	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safledger_bids_placed_total",
		Help: "Total number of bids placed",
	})

	// BidTransitions counts bid lifecycle transitions by resulting status.
	BidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safledger_bid_transitions_total",
		Help: "Bid lifecycle transitions by resulting status",
	}, []string{"status"})

	// SettlementsTotal counts successfully settled trades.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safledger_settlements_total",
		Help: "Total number of settled trades",
	})

	// SettlementRejections counts failed settlement attempts by fault kind.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safledger_settlement_rejections_total",
		Help: "Settlement attempts rejected, by fault kind",
	}, []string{"kind"})

	// ListedCertificates tracks certificates currently listed for bidding.
	ListedCertificates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safledger_listed_certificates",
		Help: "Number of certificates currently listed for bidding",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the path label; route cardinality is low.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
