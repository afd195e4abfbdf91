package batchq

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// runScheduler is the background loop: on every tick (or immediately after
// a ForceFlush wakes it) it promotes ready retries, evaluates the Flush
// Decider per queue, and dispatches whichever queues are due. It exits when
// stopCh is closed, which Close() does after running a synchronous
// FlushAll.
func (p *Producer) runScheduler(ctx context.Context) {
	p.metrics.setSchedulerAlive(true)
	defer p.metrics.setSchedulerAlive(false)
	defer close(p.schedulerDone)

	ticker := time.NewTicker(p.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
			p.tick(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// wakeScheduler nudges the scheduler loop to run a tick immediately rather
// than waiting for the next ticker fire, without blocking the caller if a
// wake is already pending.
func (p *Producer) wakeScheduler() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// tick runs one scheduling pass over every known queue: promote whatever
// retries are ready, consume any pending force-flush flag, and dispatch
// whichever queues the Flush Decider says are due.
func (p *Producer) tick(ctx context.Context) {
	names := p.snapshotQueueNames()
	if len(names) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentDispatches)

	now := p.cfg.Clock.Now()
	shuttingDown := p.isShuttingDown()

	for _, name := range names {
		name := name
		qs, rt, ok := p.lookupQueue(name)
		if !ok {
			continue
		}

		qs.promoteReady(now, p.cfg.MaxBufferSizePerQueue)
		forced := qs.consumeForced()

		n, first, last := qs.snapshotTimes()
		perQueueCfg := p.cfg.resolve(name)
		trigger, due := shouldFlush(n, first, last, now, perQueueCfg, p.cfg.BatchSizeCap, forced, shuttingDown)
		if !due {
			continue
		}

		g.Go(func() error {
			result := p.dispatchQueue(gctx, qs, rt)
			if result.Sent > 0 || result.Failed > 0 || result.Exhausted > 0 {
				log.Debug().
					Str("queue", name).
					Str("trigger", string(trigger)).
					Int("sent", result.Sent).
					Int("failed", result.Failed).
					Int("exhausted", result.Exhausted).
					Msg("dispatch complete")
			}
			return nil
		})
	}
	_ = g.Wait()
}
