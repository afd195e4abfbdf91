package batchq

import "time"

// FailedMessage is one entry currently backing off in a queue's retry
// queue. It is never sent directly: promote_ready moves its Entry back
// onto the live buffer once its backoff has elapsed, so a retried entry
// goes through the same drain/split/send path as a fresh enqueue.
type FailedMessage struct {
	Entry      Entry
	RetryCount int       // number of failed attempts so far; 1 after the first failure
	LastFailAt time.Time // clock time of the most recent failure
	Reason     string
}

// readyAt returns the earliest time this message may be retried: its last
// failure plus 2^RetryCount seconds (2s, 4s, 8s, ... after the first
// failure sets RetryCount to 1).
func (f *FailedMessage) readyAt() time.Time {
	backoff := time.Duration(1) << uint(f.RetryCount) * time.Second
	return f.LastFailAt.Add(backoff)
}

// recordFailures accounts for a batch of entries that just failed to send.
// Each entry's retry count is looked up by id in the queue's persistent
// retryMeta table (0 if it has never failed before; an entry promoted back
// onto the buffer keeps the count from its earlier failures) and bumped;
// once it exceeds maxAttempts the entry is returned in exhausted instead of
// being re-queued.
func (q *queueState) recordFailures(entries []Entry, now time.Time, reason string, maxAttempts int) (exhausted []Entry) {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		prior := 0
		if m, ok := q.retryMeta[e.ID]; ok {
			prior = m.retryCount
		}
		next := prior + 1
		if next > maxAttempts {
			delete(q.retryMeta, e.ID)
			exhausted = append(exhausted, e)
			continue
		}
		q.retryMeta[e.ID] = &retryMeta{retryCount: next}
		q.failed = append(q.failed, &FailedMessage{
			Entry:      e,
			RetryCount: next,
			LastFailAt: now,
			Reason:     reason,
		})
	}
	return exhausted
}

// promoteReady removes every FailedMessage whose backoff has elapsed and
// pushes its Entry back onto the tail of the buffer, honouring maxBuffer.
// Reinserting at the tail (not the head) means a retried entry may be sent
// after everything enqueued since its failure, rather than jumping the
// queue. A message that doesn't fit is put back into the retry queue with
// its timestamp unchanged, to be promoted on a later tick. retryMeta for a
// promoted entry is left in place so a subsequent failure bumps, rather
// than resets, its retry count.
func (q *queueState) promoteReady(now time.Time, maxBuffer int) {
	q.mu.Lock()
	if len(q.failed) == 0 {
		q.mu.Unlock()
		return
	}
	var ready []*FailedMessage
	remaining := q.failed[:0]
	for _, f := range q.failed {
		if !now.Before(f.readyAt()) {
			ready = append(ready, f)
		} else {
			remaining = append(remaining, f)
		}
	}
	q.failed = remaining
	q.mu.Unlock()

	for _, f := range ready {
		if !q.pushTail(f.Entry, maxBuffer, now) {
			q.mu.Lock()
			q.failed = append(q.failed, f)
			q.mu.Unlock()
		}
	}
}

// failedCount returns the number of messages currently backing off.
func (q *queueState) failedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// drainFailed removes and returns every retry-queue message and clears the
// retry ledger, used by ClearBuffer.
func (q *queueState) drainFailed() []*FailedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.failed
	q.failed = nil
	q.retryMeta = make(map[string]*retryMeta)
	return out
}
