package batchq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/conveyorhq/batchq/alerting"
)

// Producer is a client-side batching front for an external queue service.
// Entries enqueued per logical queue name are buffered, batched to fit the
// service's size limits, and flushed by a background scheduler according to
// the configured timing triggers. A Producer is safe for concurrent use by
// many goroutines and must be closed with Close to drain outstanding work.
type Producer struct {
	cfg          GlobalConfig
	sender       BatchSender
	metrics      *metricsRegistry
	alertService *alerting.Service

	mu      sync.RWMutex
	queues  map[string]*queueState
	runtime map[string]*queueRuntime
	sf      singleflight.Group

	stopCh        chan struct{}
	schedulerDone chan struct{}
	wakeCh        chan struct{}

	shuttingDown atomic.Bool
	closeOnce    sync.Once
}

// NewProducer constructs a Producer backed by sender. cfg is normalised
// (clamped to hard limits, defaulted where unset) before use; pass
// DefaultGlobalConfig() as a starting point. If reg is non-nil, Prometheus
// instruments are registered against it.
func NewProducer(cfg GlobalConfig, sender BatchSender, reg prometheus.Registerer, alertSvc *alerting.Service) *Producer {
	cfg = cfg.normalise()
	if alertSvc == nil {
		alertSvc = alerting.NewService()
	}

	p := &Producer{
		cfg:           cfg,
		sender:        sender,
		metrics:       newMetricsRegistry(reg),
		alertService:  alertSvc,
		queues:        make(map[string]*queueState),
		runtime:       make(map[string]*queueRuntime),
		stopCh:        make(chan struct{}),
		schedulerDone: make(chan struct{}),
		wakeCh:        make(chan struct{}, 1),
	}

	go p.runScheduler(context.Background())
	return p
}

// getOrCreateQueue returns the queueState and queueRuntime for name,
// creating them on first use. singleflight collapses concurrent
// first-enqueues for the same brand-new queue name into one creation.
func (p *Producer) getOrCreateQueue(name string) (*queueState, *queueRuntime) {
	p.mu.RLock()
	qs, ok := p.queues[name]
	rt := p.runtime[name]
	p.mu.RUnlock()
	if ok {
		return qs, rt
	}

	_, _, _ = p.sf.Do(name, func() (interface{}, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, exists := p.queues[name]; !exists {
			p.queues[name] = newQueueState(name)
			p.runtime[name] = newQueueRuntime(name, p.cfg)
		}
		return nil, nil
	})

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queues[name], p.runtime[name]
}

func (p *Producer) lookupQueue(name string) (*queueState, *queueRuntime, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	qs, ok := p.queues[name]
	if !ok {
		return nil, nil, false
	}
	return qs, p.runtime[name], true
}

func (p *Producer) snapshotQueueNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	return names
}

func (p *Producer) isShuttingDown() bool {
	return p.shuttingDown.Load()
}

// Enqueue appends entry to queue's FIFO buffer. If entry.ID is empty, one is
// assigned. Enqueue returns ErrClosed once the producer has begun shutting
// down, or a *BufferFullError if the queue is already at its configured
// capacity.
func (p *Producer) Enqueue(queue string, entry Entry) error {
	if p.isShuttingDown() {
		return ErrClosed{}
	}
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	qs, _ := p.getOrCreateQueue(queue)
	if !qs.enqueue(entry, p.cfg.MaxBufferSizePerQueue, p.cfg.Clock) {
		p.metrics.addBufferOverflow(queue)
		return &BufferFullError{Queue: queue}
	}
	return nil
}

// ForceFlush sets the pending-force flag for queue and wakes the scheduler,
// then returns immediately without waiting for the dispatch to happen — the
// actual send runs on the scheduler's next tick (batch-size cap and
// per-entry/per-batch byte caps still apply there, so a large buffer may
// still be split across several sends). A queue that has never been
// enqueued to is a no-op.
func (p *Producer) ForceFlush(queue string) {
	qs, _, ok := p.lookupQueue(queue)
	if !ok {
		return
	}
	qs.setForced()
	p.wakeScheduler()
}

// FlushAll synchronously drains every known queue: for each, it repeatedly
// promotes ready retries and dispatches up to the batch size cap until the
// buffer is empty and no retry-queue entry is currently eligible, or a
// per-queue iteration guard trips. It runs on the calling goroutine so it
// makes progress even if the background scheduler is stuck, and is what
// Close uses to drain before shutdown.
func (p *Producer) FlushAll(ctx context.Context) {
	for _, name := range p.snapshotQueueNames() {
		qs, rt, ok := p.lookupQueue(name)
		if !ok {
			continue
		}
		p.drainQueueFully(ctx, qs, rt)
	}
}

// drainQueueFully repeatedly promotes and dispatches for qs until there is
// nothing left it can currently act on, or defaultMaxFlushAllIterations
// passes have run without fully draining it.
func (p *Producer) drainQueueFully(ctx context.Context, qs *queueState, rt *queueRuntime) {
	for i := 0; i < defaultMaxFlushAllIterations; i++ {
		now := p.cfg.Clock.Now()
		qs.promoteReady(now, p.cfg.MaxBufferSizePerQueue)
		if qs.size() == 0 {
			return
		}
		p.dispatchQueue(ctx, qs, rt)
	}
	log.Warn().Str("queue", qs.name).Msg("flush_all hit its iteration guard with entries still buffered")
}

// ClearBuffer discards every buffered and retry-queued entry for queue
// without sending them, returning the number of entries discarded.
func (p *Producer) ClearBuffer(queue string) int {
	qs, _, ok := p.lookupQueue(queue)
	if !ok {
		return 0
	}
	n := len(qs.drainAll())
	n += len(qs.drainFailed())
	return n
}

// GetMetrics returns a snapshot of cumulative counters for every queue that
// has had a counter recorded or its status read via GetQueueStatus; a queue
// that has only been enqueued to does not appear yet.
func (p *Producer) GetMetrics() map[string]QueueMetrics {
	return p.metrics.snapshot()
}

// QueueStatus is a point-in-time view of one queue's live state, combining
// its cumulative metrics with its current buffer/retry occupancy and its
// resolved timing configuration.
type QueueStatus struct {
	QueueMetrics
	BufferedCount int
	BufferedBytes int
	RetryCount    int
	BatchInterval time.Duration
	IdleTimeout   time.Duration
}

// GetQueueStatus returns the current status of queue, including the
// batch_interval/idle_timeout actually in effect for it (resolved through
// any group override), mirroring the original broker's status dict. A
// queue that has never been enqueued to returns a zero QueueStatus.
func (p *Producer) GetQueueStatus(queue string) QueueStatus {
	qs, _, ok := p.lookupQueue(queue)
	if !ok {
		return QueueStatus{}
	}
	qs.mu.Lock()
	buffered := len(qs.buffer)
	bytes := qs.bytes
	qs.mu.Unlock()

	resolved := p.cfg.resolve(queue)

	return QueueStatus{
		QueueMetrics:  p.metrics.snapshotQueue(queue),
		BufferedCount: buffered,
		BufferedBytes: bytes,
		RetryCount:    qs.failedCount(),
		BatchInterval: resolved.BatchInterval,
		IdleTimeout:   resolved.IdleTimeout,
	}
}

// Close begins graceful shutdown: no further Enqueue calls are accepted,
// every queue is flushed synchronously from the calling goroutine (so
// draining makes progress even if the scheduler goroutine has wedged), and
// the background scheduler is then signalled to stop and joined with a
// timeout. Close is idempotent and safe to call more than once.
func (p *Producer) Close(ctx context.Context) error {
	var drainIncomplete bool
	p.closeOnce.Do(func() {
		p.shuttingDown.Store(true)

		p.FlushAll(ctx)

		close(p.stopCh)

		select {
		case <-p.schedulerDone:
		case <-time.After(p.cfg.ShutdownJoinTimeout):
			log.Warn().Msg("scheduler did not stop within shutdown join timeout")
		}

		remaining := 0
		for _, name := range p.snapshotQueueNames() {
			qs, _, ok := p.lookupQueue(name)
			if !ok {
				continue
			}
			remaining += qs.size() + qs.failedCount()
		}
		if remaining > 0 {
			drainIncomplete = true
			log.Error().Int("remaining", remaining).Msg("shutdown completed with undrained entries")
			sentry.CaptureException(fmt.Errorf("batchq: shutdown completed with %d entries undrained", remaining))
			p.alertService.Notify(ctx, alerting.Event{
				Kind:    "shutdown_drain_incomplete",
				Message: "producer closed with entries still buffered or retrying",
				Count:   remaining,
			})
		}
	})
	if drainIncomplete {
		return &ShutdownDrainIncompleteError{}
	}
	return nil
}

// ShutdownDrainIncompleteError is returned by Close when entries remained
// buffered or in retry after the final flush attempt.
type ShutdownDrainIncompleteError struct{}

func (e *ShutdownDrainIncompleteError) Error() string {
	return "batchq: shutdown completed with entries still undrained"
}
