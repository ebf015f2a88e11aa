package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupledger_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupledger_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	keyOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupledger_key_operations_total",
		Help: "Group key and expense crypto operations by outcome.",
	}, []string{"op", "result"})

	groupsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupledger_groups_total",
		Help: "Number of groups.",
	})

	sealStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupledger_seal_status",
		Help: "Key provider seal status: 0=sealed, 1=unsealed.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, keyOperationsTotal, groupsTotal, sealStatus)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics. Routes are labelled by their chi
// pattern so group and expense ids do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		dur := time.Since(start).Seconds()
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}

func observeKeyOp(op string, err error) {
	keyOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func setSealGauge(sealed bool) {
	if sealed {
		sealStatus.Set(0)
		return
	}
	sealStatus.Set(1)
}
