package batchq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []Entry
	fail     map[string]bool // entry id -> fail this send
	failAll  bool
	sendErr  error
	sendFunc func(entries []Entry) (SendResult, error)
}

func (f *fakeSender) Send(ctx context.Context, queueName string, entries []Entry) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendFunc != nil {
		return f.sendFunc(entries)
	}
	if f.sendErr != nil {
		return SendResult{}, f.sendErr
	}
	if f.failAll {
		failed := make(map[string]string, len(entries))
		for _, e := range entries {
			failed[e.ID] = "simulated failure"
		}
		return SendResult{Failed: failed}, nil
	}

	var res SendResult
	res.Failed = make(map[string]string)
	for _, e := range entries {
		if f.fail[e.ID] {
			res.Failed[e.ID] = "simulated failure"
			continue
		}
		res.Succeeded = append(res.Succeeded, e.ID)
		f.sent = append(f.sent, e)
	}
	return res, nil
}

func testProducer(sender BatchSender, clock Clock) *Producer {
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.SchedulerTick = time.Hour // keep the background loop from interfering with manual flush calls
	return NewProducer(cfg, sender, nil, nil)
}

// syncFlush drives exactly what ForceFlush schedules, but on the calling
// goroutine and to completion, so tests can assert on outcomes without
// racing the background scheduler or sleeping for a tick.
func syncFlush(t *testing.T, p *Producer, queue string) dispatchResult {
	t.Helper()
	qs, rt, ok := p.lookupQueue(queue)
	require.True(t, ok, "queue %q was never enqueued to", queue)
	return p.dispatchQueue(context.Background(), qs, rt)
}

func TestEnqueueThenSyncFlushSendsEntries(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1", Body: "x"}))
	require.NoError(t, p.Enqueue("orders", Entry{ID: "2", Body: "y"}))

	syncFlush(t, p, "orders")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 2)
}

func TestForceFlushSetsFlagAndWakesScheduler(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.SchedulerTick = 2 * time.Millisecond
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	p.ForceFlush("orders") // async: returns before the send happens

	assert.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, time.Millisecond, "scheduler should pick up the forced flag and send")
}

func TestForceFlushOnUnknownQueueIsNoop(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)
	defer p.Close(context.Background())

	assert.NotPanics(t, func() { p.ForceFlush("never-enqueued") })
}

func TestEnqueueRejectsWhenBufferFull(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.MaxBufferSizePerQueue = 1
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	err := p.Enqueue("orders", Entry{ID: "2"})
	require.Error(t, err)
	var bufferFull *BufferFullError
	assert.ErrorAs(t, err, &bufferFull)
}

func TestFailedSendGoesToRetryQueueAndStatusReflectsIt(t *testing.T) {
	sender := &fakeSender{failAll: true}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	syncFlush(t, p, "orders")

	status := p.GetQueueStatus("orders")
	assert.Equal(t, 0, status.BufferedCount)
	assert.Equal(t, 1, status.RetryCount)
	assert.Equal(t, int64(1), status.MessagesFailed)
}

func TestRetryExhaustionDropsEntryAndIncrementsMetric(t *testing.T) {
	sender := &fakeSender{failAll: true}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.MaxRetryAttempts = 1
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	syncFlush(t, p, "orders")

	status := p.GetQueueStatus("orders")
	require.Equal(t, 1, status.RetryCount)

	clock.Advance(10 * time.Second)
	qs, _, ok := p.lookupQueue("orders")
	require.True(t, ok)
	qs.promoteReady(clock.Now(), cfg.MaxBufferSizePerQueue)
	syncFlush(t, p, "orders")

	status = p.GetQueueStatus("orders")
	assert.Equal(t, 0, status.RetryCount)
	assert.Equal(t, int64(1), status.RetryExhaustedCount)
}

func TestRetryCountEscalatesAcrossPromotions(t *testing.T) {
	sender := &fakeSender{failAll: true}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.MaxRetryAttempts = 5
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	syncFlush(t, p, "orders") // 1st failure -> retry_count 1, ready at +2s

	qs, _, ok := p.lookupQueue("orders")
	require.True(t, ok)
	require.Equal(t, 1, qs.failed[0].RetryCount)

	clock.Advance(3 * time.Second)
	qs.promoteReady(clock.Now(), cfg.MaxBufferSizePerQueue)
	require.Equal(t, 1, qs.size(), "promoted entry should be back on the buffer")
	syncFlush(t, p, "orders") // 2nd failure -> retry_count must bump to 2, not reset to 1

	require.Len(t, qs.failed, 1)
	assert.Equal(t, 2, qs.failed[0].RetryCount)
}

func TestGetQueueStatusReportsResolvedTiming(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := ApplyOptions(DefaultGlobalConfig(), WithGroupBatchInterval("orders", 7*time.Second), WithGroupIdleTimeout("orders", 250*time.Millisecond))
	cfg.Clock = clock
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))

	status := p.GetQueueStatus("orders")
	assert.Equal(t, 7*time.Second, status.BatchInterval)
	assert.Equal(t, 250*time.Millisecond, status.IdleTimeout)
}

func TestClearBufferDiscardsBufferedAndRetrying(t *testing.T) {
	sender := &fakeSender{failAll: true}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	syncFlush(t, p, "orders") // "1" now in retry queue
	require.NoError(t, p.Enqueue("orders", Entry{ID: "2"}))
	require.NoError(t, p.Enqueue("orders", Entry{ID: "3"}))

	cleared := p.ClearBuffer("orders")
	assert.Equal(t, 3, cleared)
	status := p.GetQueueStatus("orders")
	assert.Equal(t, 0, status.BufferedCount)
	assert.Equal(t, 0, status.RetryCount)
}

func TestFlushAllDrainsMoreThanOneBatchSizeCap(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.BatchSizeCap = 10
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	for i := 0; i < 25; i++ {
		require.NoError(t, p.Enqueue("orders", Entry{ID: string(rune('a' + i))}))
	}

	p.FlushAll(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 25)
}

func TestFlushAllStopsAtBackingOffRetries(t *testing.T) {
	sender := &fakeSender{failAll: true}
	clock := NewManualClock(time.Unix(0, 0))
	cfg := DefaultGlobalConfig()
	cfg.Clock = clock
	cfg.SchedulerTick = time.Hour
	p := NewProducer(cfg, sender, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))

	p.FlushAll(context.Background()) // single failure, now backing off for 2s

	status := p.GetQueueStatus("orders")
	assert.Equal(t, 0, status.BufferedCount)
	assert.Equal(t, 1, status.RetryCount)
}

func TestCloseDrainsOutstandingEntries(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	require.NoError(t, p.Close(context.Background()))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 1)
}

func TestCloseRejectsFurtherEnqueues(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)

	require.NoError(t, p.Close(context.Background()))
	err := p.Enqueue("orders", Entry{ID: "1"})
	assert.ErrorIs(t, err, ErrClosed{})
}

func TestCloseIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}

func TestGetMetricsTracksMultipleQueuesIndependently(t *testing.T) {
	sender := &fakeSender{}
	clock := NewManualClock(time.Unix(0, 0))
	p := testProducer(sender, clock)
	defer p.Close(context.Background())

	require.NoError(t, p.Enqueue("orders", Entry{ID: "1"}))
	require.NoError(t, p.Enqueue("notifications", Entry{ID: "2"}))
	syncFlush(t, p, "orders")
	syncFlush(t, p, "notifications")

	all := p.GetMetrics()
	require.Contains(t, all, "orders")
	require.Contains(t, all, "notifications")
	assert.Equal(t, int64(1), all["orders"].MessagesSent)
	assert.Equal(t, int64(1), all["notifications"].MessagesSent)
}
