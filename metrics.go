package corvid

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvid_outbox_pending",
			Help: "Number of queued outgoing messages awaiting send.",
		},
	)
	outboxFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvid_outbox_failed",
			Help: "Number of queued outgoing messages that exhausted retries.",
		},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvid_sends_total",
			Help: "Total number of queue-drained send attempts by result.",
		},
		[]string{"result"},
	)
	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corvid_send_retries_total",
			Help: "Total number of retried queue sends.",
		},
	)
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvid_durable_store_ops_total",
			Help: "Total number of durable store operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	storeHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvid_durable_store_healthy",
			Help: "Whether the last durable store health probe succeeded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		outboxPending,
		outboxFailed,
		sendsTotal,
		retriesTotal,
		storeOpsTotal,
		storeHealthy,
	)
}

func observeOutboxDepth(pending, failed int) {
	outboxPending.Set(float64(pending))
	outboxFailed.Set(float64(failed))
}

func observeSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

func observeRetry() {
	retriesTotal.Inc()
}

func observeStoreOp(op, outcome string) {
	storeOpsTotal.WithLabelValues(op, outcome).Inc()
}

func observeStoreHealth(ok bool) {
	if ok {
		storeHealthy.Set(1)
	} else {
		storeHealthy.Set(0)
	}
}
