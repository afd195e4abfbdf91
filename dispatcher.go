package batchq

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/conveyorhq/batchq/alerting"
	"github.com/conveyorhq/batchq/internal/telemetry"
)

// queueRuntime holds the per-queue machinery that sits alongside queueState
// but isn't part of its locked buffer/retry data: the circuit breaker and
// optional rate limiter guarding BatchSender.Send for this queue.
type queueRuntime struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter // nil if unconfigured
}

func newQueueRuntime(name string, cfg GlobalConfig) *queueRuntime {
	settings := gobreaker.Settings{
		Name:        "batchq:" + name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
	}
	rt := &queueRuntime{breaker: gobreaker.NewCircuitBreaker(settings)}
	if limit, ok := cfg.GroupSendRateLimits[name]; ok && limit > 0 {
		rt.limiter = rate.NewLimiter(rate.Limit(limit), cfg.BatchSizeCap)
	}
	return rt
}

// dispatchResult summarizes one call to dispatchQueue, for logging by the
// caller (scheduler tick or FlushAll).
type dispatchResult struct {
	Sent      int
	Failed    int
	Exhausted int
}

func addDispatchResults(a, b dispatchResult) dispatchResult {
	return dispatchResult{
		Sent:      a.Sent + b.Sent,
		Failed:    a.Failed + b.Failed,
		Exhausted: a.Exhausted + b.Exhausted,
	}
}

// dispatchQueue drains the head of the buffer up to the configured batch
// size cap and sends it. Retried entries are not handled here directly —
// promote_ready moves them onto the buffer before this is called, so a
// promoted entry is indistinguishable from a fresh one by the time it
// reaches drainHead. The buffer lock is never held during Send: entries are
// drained first, sent, then routed back to metrics-success, the retry
// queue, or an exhausted-drop based on the outcome.
func (p *Producer) dispatchQueue(ctx context.Context, qs *queueState, rt *queueRuntime) dispatchResult {
	entries := qs.drainHead(p.cfg.BatchSizeCap)
	if len(entries) == 0 {
		return dispatchResult{}
	}

	batches, oversized := Split(entries, p.cfg.MaxEntryBytes, p.cfg.MaxBatchBytes, p.cfg.BatchSizeCap)
	if len(oversized) > 0 {
		p.metrics.addOversizedDropped(qs.name, int64(len(oversized)))
		log.Warn().Str("queue", qs.name).Int("count", len(oversized)).Msg("dropping oversized entries")
	}
	if len(batches) > 1 {
		p.metrics.addBatchSplit(qs.name)
	}

	var result dispatchResult
	externalName := p.cfg.externalQueueName(qs.name)

	for _, batch := range batches {
		result = addDispatchResults(result, p.sendBatch(ctx, qs, rt, externalName, batch))
	}
	return result
}

// sendBatch performs one BatchSender.Send call for batch, through the
// queue's circuit breaker and optional rate limiter, and routes every
// entry's outcome back into metrics and (on failure) the retry queue.
func (p *Producer) sendBatch(ctx context.Context, qs *queueState, rt *queueRuntime, externalName string, batch []Entry) dispatchResult {
	if rt.limiter != nil {
		if err := rt.limiter.WaitN(ctx, len(batch)); err != nil {
			return p.failBatch(qs, batch, "rate_limiter: "+err.Error())
		}
	}

	spanCtx, span := telemetry.StartDispatchSpan(ctx, telemetry.DispatchSpanInfo{
		Queue:     qs.name,
		BatchSize: len(batch),
		Bytes:     sumEntryBytes(batch),
	})
	start := p.cfg.Clock.Now()

	out, err := rt.breaker.Execute(func() (interface{}, error) {
		return p.sender.Send(spanCtx, externalName, batch)
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		span.End()
		p.metrics.addCircuitOpen(qs.name)
		return p.failBatch(qs, batch, string(FailureCircuitOpen))
	}

	telemetry.RecordDispatch(spanCtx, qs.name, len(batch), sumEntryBytes(batch), p.cfg.Clock.Now().Sub(start))
	span.End()
	if err != nil {
		return p.failBatch(qs, batch, string(FailureTransport)+": "+err.Error())
	}

	res, _ := out.(SendResult)
	return p.routeSendResult(qs, batch, res)
}

// failBatch records every entry in the batch as failed for the same reason
// (used when Send itself errors, or the breaker/limiter short-circuits
// before Send is even attempted).
func (p *Producer) failBatch(qs *queueState, batch []Entry, reason string) dispatchResult {
	now := p.cfg.Clock.Now()
	exhausted := qs.recordFailures(batch, now, reason, p.cfg.MaxRetryAttempts)
	p.metrics.addFailed(qs.name, int64(len(batch)))
	p.handleExhausted(qs, exhausted)
	return dispatchResult{Failed: len(batch) - len(exhausted), Exhausted: len(exhausted)}
}

// routeSendResult applies a SendResult against batch: succeeded ids are
// counted as sent and forgotten from retryMeta, everything else is filed as
// a failure via recordFailures (which itself decides retry vs. exhaustion
// per entry).
func (p *Producer) routeSendResult(qs *queueState, batch []Entry, res SendResult) dispatchResult {
	now := p.cfg.Clock.Now()
	succeeded := make(map[string]bool, len(res.Succeeded))
	for _, id := range res.Succeeded {
		succeeded[id] = true
	}

	var toRetry []Entry
	reasons := make(map[string]string, len(batch))
	sent := 0
	for _, e := range batch {
		if succeeded[e.ID] {
			sent++
			qs.forgetRetryMeta(e.ID)
			continue
		}
		reason, explicit := res.Failed[e.ID]
		if explicit {
			reason = string(FailureReported) + ": " + reason
		} else {
			reason = string(FailureUnknown)
		}
		reasons[e.ID] = reason
		toRetry = append(toRetry, e)
	}

	var result dispatchResult
	result.Sent = sent
	p.metrics.addSent(qs.name, int64(sent))

	if len(toRetry) > 0 {
		// recordFailures needs a single reason per call; failures rarely mix
		// reasons within a batch, so group by reason to preserve per-entry
		// detail without N separate lock acquisitions in the common case.
		byReason := make(map[string][]Entry)
		for _, e := range toRetry {
			r := reasons[e.ID]
			byReason[r] = append(byReason[r], e)
		}
		for reason, group := range byReason {
			exhausted := qs.recordFailures(group, now, reason, p.cfg.MaxRetryAttempts)
			result.Failed += len(group) - len(exhausted)
			result.Exhausted += len(exhausted)
			p.handleExhausted(qs, exhausted)
		}
		p.metrics.addFailed(qs.name, int64(len(toRetry)))
	}
	return result
}

func (p *Producer) handleExhausted(qs *queueState, exhausted []Entry) {
	if len(exhausted) == 0 {
		return
	}
	p.metrics.addRetryExhausted(qs.name, int64(len(exhausted)))
	log.Error().Str("queue", qs.name).Int("count", len(exhausted)).Msg("entries exhausted retry attempts, dropping")
	sentry.CaptureException(fmt.Errorf("batchq: %d entries on queue %q exhausted retry attempts", len(exhausted), qs.name))
	p.alertService.Notify(context.Background(), alerting.Event{
		Queue:   qs.name,
		Kind:    "retry_exhausted",
		Message: "entries dropped after exceeding max retry attempts",
		Count:   len(exhausted),
	})
}

func sumEntryBytes(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += EntryBytes(e)
	}
	return n
}
