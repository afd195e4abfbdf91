package batchq

import "fmt"

// BufferFullError is returned synchronously by Enqueue when the per-queue
// buffer is at MaxBufferSizePerQueue. Apart from it, Enqueue returns only
// ErrClosed and Close returns only ShutdownDrainIncompleteError; every other
// failure kind in spec.md §7 is absorbed into metrics and logs.
type BufferFullError struct {
	Queue string
}

func (e *BufferFullError) Error() string {
	return fmt.Sprintf("batchq: buffer full for queue %q", e.Queue)
}

// ErrClosed is returned by Enqueue once the producer has started shutting
// down; no further sends are initiated per spec.md invariant 5.
type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "batchq: producer is closed"
}

// FailureKind classifies why a single entry failed to send, as reported by
// BatchSender or inferred by the dispatcher.
type FailureKind string

const (
	// FailureUnknown is assigned to an entry id that appears in neither
	// the succeeded nor failed set of a SendResult.
	FailureUnknown FailureKind = "unknown"
	// FailureTransport is assigned to every entry in a sub-batch when
	// BatchSender.Send itself returns an error (the whole batch failed).
	FailureTransport FailureKind = "transport"
	// FailureCircuitOpen is assigned when the queue's circuit breaker is
	// open and the send was short-circuited without reaching BatchSender.
	FailureCircuitOpen FailureKind = "circuit_open"
	// FailureReported is assigned to ids explicitly present in a
	// SendResult.Failed map; the original reason string is preserved
	// alongside it by the caller.
	FailureReported FailureKind = "reported"
)
