// Package metrics declares the Prometheus collectors of the ledger.
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
	PaymentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_payments_applied_total",
		Help: "Payments applied to invoices, by method.",
	}, []string{"method"})

	PaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_payments_rejected_total",
		Help: "Payments rejected before mutation, by reason.",
	}, []string{"reason"})

	Reversals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_payment_reversals_total",
		Help: "Payments reversed.",
	})

	InvoicesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_invoices_created_total",
		Help: "Invoices created.",
	})

	CuadreWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_cuadre_writes_total",
		Help: "Daily reconciliation snapshots written.",
	})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_persistence_failures_total",
		Help: "Document store failures, by operation and code.",
	}, []string{"op", "code"})

	EchoesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_change_feed_echoes_ignored_total",
		Help: "Change-feed notifications dropped because they reflected a local pending write.",
	})

	RemoteUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_change_feed_updates_applied_total",
		Help: "Remote documents applied from the change feed.",
	})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clinic_document_save_seconds",
		Help:    "Latency of document saves.",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinic_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. route reports the matched
// route pattern so label cardinality stays bounded.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			pattern := route(r)
			HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(wrapped.statusCode)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
