package batchq

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistry holds the Prometheus instruments shared across all queues
// of a single Producer, plus a per-queue snapshot cache used by GetMetrics
// and GetQueueStatus so introspection never has to walk the live buffers
// under their locks.
type metricsRegistry struct {
	messagesSent           *prometheus.CounterVec
	messagesFailed         *prometheus.CounterVec
	bufferOverflowCount    *prometheus.CounterVec
	retryExhaustedCount    *prometheus.CounterVec
	batchSplitCount        *prometheus.CounterVec
	oversizedDroppedCount  *prometheus.CounterVec
	circuitOpenCount       *prometheus.CounterVec
	schedulerAlive         prometheus.Gauge

	mu       sync.Mutex
	perQueue map[string]*QueueMetrics
}

// QueueMetrics is the cumulative counter snapshot for one queue, returned by
// GetMetrics and embedded in GetQueueStatus.
type QueueMetrics struct {
	MessagesSent          int64
	MessagesFailed        int64
	BufferOverflowCount   int64
	RetryExhaustedCount   int64
	BatchSplitCount       int64
	OversizedDroppedCount int64
	CircuitOpenCount      int64
}

func newMetricsRegistry(reg prometheus.Registerer) *metricsRegistry {
	labels := []string{"queue"}
	m := &metricsRegistry{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "messages_sent_total",
			Help:      "Entries successfully sent to the external queue service.",
		}, labels),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "messages_failed_total",
			Help:      "Entries that failed a send attempt (including ones later retried).",
		}, labels),
		bufferOverflowCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "buffer_overflow_total",
			Help:      "Enqueue calls rejected because the per-queue buffer was full.",
		}, labels),
		retryExhaustedCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "retry_exhausted_total",
			Help:      "Entries dropped after exceeding MaxRetryAttempts.",
		}, labels),
		batchSplitCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "batch_split_total",
			Help:      "Times a flush's entries required more than one sub-batch.",
		}, labels),
		oversizedDroppedCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "oversized_message_dropped_total",
			Help:      "Entries dropped for exceeding MaxEntryBytes on their own.",
		}, labels),
		circuitOpenCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchq",
			Name:      "circuit_open_total",
			Help:      "Dispatches short-circuited by an open per-queue breaker.",
		}, labels),
		schedulerAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batchq",
			Name:      "scheduler_alive",
			Help:      "1 while the background scheduler loop is running, 0 after it exits.",
		}),
		perQueue: make(map[string]*QueueMetrics),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.messagesFailed, m.bufferOverflowCount,
			m.retryExhaustedCount, m.batchSplitCount, m.oversizedDroppedCount,
			m.circuitOpenCount, m.schedulerAlive,
		)
	}
	return m
}

func (m *metricsRegistry) queue(name string) *QueueMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.perQueue[name]
	if !ok {
		qm = &QueueMetrics{}
		m.perQueue[name] = qm
	}
	return qm
}

func (m *metricsRegistry) addSent(queue string, n int64) {
	if n == 0 {
		return
	}
	m.messagesSent.WithLabelValues(queue).Add(float64(n))
	atomic.AddInt64(&m.queue(queue).MessagesSent, n)
}

func (m *metricsRegistry) addFailed(queue string, n int64) {
	if n == 0 {
		return
	}
	m.messagesFailed.WithLabelValues(queue).Add(float64(n))
	atomic.AddInt64(&m.queue(queue).MessagesFailed, n)
}

func (m *metricsRegistry) addBufferOverflow(queue string) {
	m.bufferOverflowCount.WithLabelValues(queue).Inc()
	atomic.AddInt64(&m.queue(queue).BufferOverflowCount, 1)
}

func (m *metricsRegistry) addRetryExhausted(queue string, n int64) {
	if n == 0 {
		return
	}
	m.retryExhaustedCount.WithLabelValues(queue).Add(float64(n))
	atomic.AddInt64(&m.queue(queue).RetryExhaustedCount, n)
}

func (m *metricsRegistry) addBatchSplit(queue string) {
	m.batchSplitCount.WithLabelValues(queue).Inc()
	atomic.AddInt64(&m.queue(queue).BatchSplitCount, 1)
}

func (m *metricsRegistry) addOversizedDropped(queue string, n int64) {
	if n == 0 {
		return
	}
	m.oversizedDroppedCount.WithLabelValues(queue).Add(float64(n))
	atomic.AddInt64(&m.queue(queue).OversizedDroppedCount, n)
}

func (m *metricsRegistry) addCircuitOpen(queue string) {
	m.circuitOpenCount.WithLabelValues(queue).Inc()
	atomic.AddInt64(&m.queue(queue).CircuitOpenCount, 1)
}

func (m *metricsRegistry) setSchedulerAlive(alive bool) {
	if alive {
		m.schedulerAlive.Set(1)
		return
	}
	m.schedulerAlive.Set(0)
}

// snapshot returns a copy of every known queue's cumulative counters, keyed
// by queue name, safe for the caller to retain.
func (m *metricsRegistry) snapshot() map[string]QueueMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]QueueMetrics, len(m.perQueue))
	for name, qm := range m.perQueue {
		out[name] = QueueMetrics{
			MessagesSent:          atomic.LoadInt64(&qm.MessagesSent),
			MessagesFailed:        atomic.LoadInt64(&qm.MessagesFailed),
			BufferOverflowCount:   atomic.LoadInt64(&qm.BufferOverflowCount),
			RetryExhaustedCount:   atomic.LoadInt64(&qm.RetryExhaustedCount),
			BatchSplitCount:       atomic.LoadInt64(&qm.BatchSplitCount),
			OversizedDroppedCount: atomic.LoadInt64(&qm.OversizedDroppedCount),
			CircuitOpenCount:      atomic.LoadInt64(&qm.CircuitOpenCount),
		}
	}
	return out
}

func (m *metricsRegistry) snapshotQueue(name string) QueueMetrics {
	qm := m.queue(name)
	return QueueMetrics{
		MessagesSent:          atomic.LoadInt64(&qm.MessagesSent),
		MessagesFailed:        atomic.LoadInt64(&qm.MessagesFailed),
		BufferOverflowCount:   atomic.LoadInt64(&qm.BufferOverflowCount),
		RetryExhaustedCount:   atomic.LoadInt64(&qm.RetryExhaustedCount),
		BatchSplitCount:       atomic.LoadInt64(&qm.BatchSplitCount),
		OversizedDroppedCount: atomic.LoadInt64(&qm.OversizedDroppedCount),
		CircuitOpenCount:      atomic.LoadInt64(&qm.CircuitOpenCount),
	}
}
