package batchq

import "context"

// SendResult reports the per-entry outcome of a single BatchSender.Send
// call. Succeeded and Failed should together account for every entry id
// passed in; any id missing from both is treated as FailureUnknown.
type SendResult struct {
	Succeeded []string
	Failed    map[string]string // entry id -> provider-supplied failure reason
}

// BatchSender is the boundary to the external queue service (SQS or
// compatible). Implementations perform the actual network call; the core
// never retries inside Send itself — partial and total failures are both
// reported back through SendResult (or a returned error for a total
// transport failure) and handled by the dispatcher's own retry queue.
type BatchSender interface {
	// Send delivers entries, already split to fit the service's batch
	// limits, to queueName. A non-nil error means the whole batch is
	// considered failed and res is ignored. queueName is the fully
	// resolved external name (namespace-prefixed), not the logical name
	// used by callers of Producer.Enqueue.
	Send(ctx context.Context, queueName string, entries []Entry) (res SendResult, err error)
}
