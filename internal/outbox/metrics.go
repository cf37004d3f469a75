package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 发件箱管道的 Prometheus 指标。nil 的 *Metrics 可以安全调用。
type Metrics struct {
	claimed          prometheus.Counter
	dispatched       prometheus.Counter
	acked            prometheus.Counter
	deleted          prometheus.Counter
	retrievalRetries prometheus.Counter
	retrievalFailed  prometheus.Counter
	deletionFailed   prometheus.Counter
	pendingAcks      prometheus.Gauge
}

// NewMetrics 在 reg 上注册全部指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		claimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "claimed_events_total",
			Help: "Stored events locked by the retriever.",
		}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "dispatched_events_total",
			Help: "Events handed to the dispatcher.",
		}),
		acked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "acked_events_total",
			Help: "Events confirmed by the broker.",
		}),
		deleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "deleted_events_total",
			Help: "Stored events deleted after acknowledgement.",
		}),
		retrievalRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "retrieval_retries_total",
			Help: "Retrieval transactions retried after a transient conflict.",
		}),
		retrievalFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "retrieval_failures_total",
			Help: "Retrievals that failed after exhausting retries or with a permanent error.",
		}),
		deletionFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "deletion_failures_total",
			Help: "Deletion ticks that failed and were left for the next tick.",
		}),
		pendingAcks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "veo", Subsystem: "outbox", Name: "pending_acks",
			Help: "Acknowledged ids waiting for deletion.",
		}),
	}
}

func (m *Metrics) addClaimed(n int) {
	if m != nil {
		m.claimed.Add(float64(n))
	}
}

func (m *Metrics) addDispatched(n int) {
	if m != nil {
		m.dispatched.Add(float64(n))
	}
}

func (m *Metrics) incAcked() {
	if m != nil {
		m.acked.Inc()
	}
}

func (m *Metrics) addDeleted(n int64) {
	if m != nil {
		m.deleted.Add(float64(n))
	}
}

func (m *Metrics) incRetrievalRetry() {
	if m != nil {
		m.retrievalRetries.Inc()
	}
}

func (m *Metrics) incRetrievalFailed() {
	if m != nil {
		m.retrievalFailed.Inc()
	}
}

func (m *Metrics) incDeletionFailed() {
	if m != nil {
		m.deletionFailed.Inc()
	}
}

func (m *Metrics) setPendingAcks(n int) {
	if m != nil {
		m.pendingAcks.Set(float64(n))
	}
}
