package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/forge/internal/model"
)

const (
	unmatched  = "unmatched"
	iopubRoute = "/v1/iopub"
)

// sideChannelTypes are the message types the engine publishes on its side
// channel. Their event counters start at zero.
var sideChannelTypes = []model.MsgType{
	model.MsgStatus,
	model.MsgStream,
	model.MsgError,
	model.MsgExecuteInput,
	model.MsgExecuteResult,
	model.MsgDataPub,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds, excluding side-channel streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	iopubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_http_iopub_subscribers",
			Help: "Number of open side-channel SSE streams.",
		},
	)

	iopubEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_http_iopub_events_total",
			Help: "Side-channel messages written to SSE subscribers, by message type.",
		},
		[]string{"msg_type"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(iopubSubscribers)
	prometheus.MustRegister(iopubEventsTotal)

	for _, t := range sideChannelTypes {
		iopubEventsTotal.WithLabelValues(t.String())
	}
}

// metricsMiddleware records request count and duration for every admin
// request. Side-channel streams stay open for the life of the subscriber, so
// they are counted but kept out of the duration histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if path != iopubRoute {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern returns the matched chi route pattern so raw paths never
// become label values.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
