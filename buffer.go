package batchq

import (
	"sync"
	"time"
)

// retryMeta remembers how many times an entry has failed even after it has
// been promoted back onto the live buffer, so a subsequent failure bumps
// retry_count instead of resetting it — the buffer itself only ever holds
// bare Entry values.
type retryMeta struct {
	retryCount int
}

// queueState is the full mutable state for one logical queue: its pending
// FIFO buffer, its failed-entry retry queue, and the timestamps the Flush
// Decider needs. Every field is guarded by mu; I/O (BatchSender.Send) must
// never be called while mu is held — dispatch drains under the lock and
// sends after releasing it.
type queueState struct {
	mu sync.Mutex

	name string

	buffer []Entry
	bytes  int // sum of EntryBytes(buffer...), maintained incrementally

	failed    []*FailedMessage
	retryMeta map[string]*retryMeta

	// firstEnqueueAt is the time of the first enqueue since the buffer was
	// last empty, reset to zero whenever buffer becomes empty; a partial
	// drainHead leaves it unchanged. The Flush Decider's max-wait trigger
	// compares against this.
	firstEnqueueAt time.Time
	// lastEnqueueAt is updated on every enqueue, including into an
	// already-nonempty buffer. The idle trigger compares against this.
	lastEnqueueAt time.Time

	// forced is set by ForceFlush and consumed by the next scheduler
	// tick's Flush Decider evaluation.
	forced bool
}

func newQueueState(name string) *queueState {
	return &queueState{name: name, retryMeta: make(map[string]*retryMeta)}
}

// enqueue appends e to the buffer if capacity allows, returning false if the
// queue is at maxBuffer. Timestamps are stamped using clock so tests can
// control flush-trigger timing deterministically.
func (q *queueState) enqueue(e Entry, maxBuffer int, clock Clock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushBackLocked(e, maxBuffer, clock.Now())
}

func (q *queueState) pushBackLocked(e Entry, maxBuffer int, now time.Time) bool {
	if len(q.buffer) >= maxBuffer {
		return false
	}
	if len(q.buffer) == 0 {
		q.firstEnqueueAt = now
	}
	q.lastEnqueueAt = now
	q.buffer = append(q.buffer, e)
	q.bytes += EntryBytes(e)
	return true
}

// size returns the current buffer length.
func (q *queueState) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// drainHead removes and returns up to n entries from the head of the
// buffer, per the Dispatcher's "drain the head up to batch_size_cap" step.
func (q *queueState) drainHead(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.buffer) {
		n = len(q.buffer)
	}
	out := q.buffer[:n]
	q.buffer = q.buffer[n:]
	for _, e := range out {
		q.bytes -= EntryBytes(e)
	}
	if len(q.buffer) == 0 {
		q.firstEnqueueAt = time.Time{}
	}
	return out
}

// drainAll removes and returns every buffered entry, used by ClearBuffer to
// atomically empty the buffer regardless of batch_size_cap.
func (q *queueState) drainAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buffer
	q.buffer = nil
	q.bytes = 0
	q.firstEnqueueAt = time.Time{}
	return out
}

// pushTail inserts an already-ready retried entry back at the tail of the
// buffer, honouring maxBuffer. Retries reinsert at the tail (not the head)
// so a retried entry may be sent after everything enqueued since its
// failure, never jumping ahead of it. Returns false if the buffer has no
// room, in which case the caller must leave the entry in the retry queue.
func (q *queueState) pushTail(e Entry, maxBuffer int, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushBackLocked(e, maxBuffer, now)
}

// setForced marks Q as having a pending force-flush request.
func (q *queueState) setForced() {
	q.mu.Lock()
	q.forced = true
	q.mu.Unlock()
}

// consumeForced reads and clears the pending force-flush flag.
func (q *queueState) consumeForced() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	f := q.forced
	q.forced = false
	return f
}

// snapshotTimes returns the buffer length and the two tracked timestamps
// under lock, for use by the Flush Decider without holding the lock across
// the decision.
func (q *queueState) snapshotTimes() (n int, first, last time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer), q.firstEnqueueAt, q.lastEnqueueAt
}

// forgetRetryMeta clears the persisted retry count once an entry has been
// sent successfully or dropped as exhausted.
func (q *queueState) forgetRetryMeta(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.retryMeta, id)
}
