package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

// Rejection reasons for messages dropped before dispatch.
const (
	reasonSignature   = "signature"
	reasonUnknownType = "unknown_type"
	reasonWrongChan   = "wrong_channel"
	reasonMalformed   = "malformed"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_engine_requests_total",
			Help: "Total number of replied requests by message type and reply status.",
		},
		[]string{"msg_type", "status"},
	)

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_engine_apply_duration_seconds",
			Help:    "Duration of apply request execution, from unpack to result serialization, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	rejectedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_engine_rejected_messages_total",
			Help: "Total number of inbound messages dropped without a reply.",
		},
		[]string{"channel", "reason"},
	)

	errorNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_engine_error_notifications_total",
			Help: "Total number of error messages published on the side channel.",
		},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_engine_iopub_dropped_total",
			Help: "Total number of side-channel messages dropped for slow subscribers.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_engine_queue_depth",
			Help: "Number of execution requests waiting on the shell queue.",
		},
	)

	namespaceSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_engine_namespace_size",
			Help: "Number of names bound in the shared namespace.",
		},
	)

	abortedIDs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_engine_aborted_ids",
			Help: "Number of message ids held by the abort registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(applyDuration)
	prometheus.MustRegister(rejectedMessagesTotal)
	prometheus.MustRegister(errorNotificationsTotal)
	prometheus.MustRegister(droppedEvents)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(namespaceSize)
	prometheus.MustRegister(abortedIDs)

	// Pre-initialize label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, t := range []model.MsgType{model.MsgExecuteRequest, model.MsgApplyRequest} {
		for _, s := range []model.Status{model.StatusOK, model.StatusError, model.StatusAborted} {
			requestsTotal.WithLabelValues(t.String(), string(s))
		}
	}
	for _, ch := range []model.Channel{model.ChannelShell, model.ChannelControl} {
		for _, r := range []string{reasonSignature, reasonUnknownType, reasonWrongChan, reasonMalformed} {
			rejectedMessagesTotal.WithLabelValues(ch.String(), r)
		}
	}
}
