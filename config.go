package batchq

import "time"

const (
	// sqsBatchSizeCap is the hard ceiling imposed by the external queue
	// service's batch API (SQS SendMessageBatch: at most 10 entries).
	sqsBatchSizeCap = 10
	// sqsMaxEntryBytes is the per-message size ceiling of the external
	// queue service (256 KiB for SQS).
	sqsMaxEntryBytes = 256 * 1024
	// sqsMaxBatchBytes is the aggregate payload ceiling for a single
	// batch send call.
	sqsMaxBatchBytes = 256 * 1024

	defaultSchedulerTick       = 50 * time.Millisecond
	defaultShutdownJoinTimeout = 5 * time.Second
	defaultMaxBufferSize       = 5000
	defaultMaxRetryAttempts    = 3
	defaultBatchInterval       = 1 * time.Second
	defaultIdleTimeout         = 100 * time.Millisecond

	// defaultMaxFlushAllIterations bounds how many dispatch passes
	// FlushAll will run against a single queue before giving up, so a
	// queue that keeps refilling faster than batch_size_cap can drain it
	// cannot hang shutdown indefinitely.
	defaultMaxFlushAllIterations = 1000

	// DefaultBreakerConsecutiveFailures is the number of consecutive
	// BatchSender failures on a queue that trips its circuit breaker.
	DefaultBreakerConsecutiveFailures = 5
	// DefaultBreakerCooldown is how long a tripped breaker stays open
	// before allowing a probe send.
	DefaultBreakerCooldown = 30 * time.Second
)

// GlobalConfig is immutable once the Producer is constructed. It resolves
// per-queue timing via the Group*s override maps, falling back to the
// Default* values for any queue name not present in the map — unknown
// queue names are never an error.
type GlobalConfig struct {
	Namespace string

	DefaultBatchInterval time.Duration
	DefaultIdleTimeout   time.Duration

	GroupBatchIntervals map[string]time.Duration
	GroupIdleTimeouts   map[string]time.Duration

	// BatchSizeCap is hard-clamped to 10 (the external service's batch
	// API maximum) regardless of the value supplied.
	BatchSizeCap int

	MaxEntryBytes         int
	MaxBatchBytes         int
	MaxBufferSizePerQueue int
	MaxRetryAttempts      int

	SchedulerTick       time.Duration
	ShutdownJoinTimeout time.Duration

	// MaxConcurrentDispatches bounds how many queues may be dispatched
	// in parallel by the scheduler loop. 1 (the default) serializes
	// dispatch, the reference choice in spec.md §4.H.
	MaxConcurrentDispatches int

	// BreakerConsecutiveFailures / BreakerCooldown configure the
	// per-queue circuit breaker guarding BatchSender.Send. Zero values
	// fall back to the package defaults.
	BreakerConsecutiveFailures uint32
	BreakerCooldown            time.Duration

	// GroupSendRateLimits optionally caps outbound entries/sec per queue
	// name, independent of the external service's own throttling. A
	// queue absent from the map is unlimited.
	GroupSendRateLimits map[string]float64

	Clock Clock
}

// PerQueueConfig is the resolved, queue-specific view of GlobalConfig used
// by the Flush Decider. A value of 0 for either field means "no wait — send
// as soon as possible".
type PerQueueConfig struct {
	BatchInterval time.Duration
	IdleTimeout   time.Duration
}

// DefaultGlobalConfig returns a GlobalConfig pre-filled with the package's
// reference defaults. Callers build on top of it with functional options
// (With*) rather than zero-value struct literals, so an explicit 0 for
// DefaultBatchInterval/DefaultIdleTimeout is unambiguous immediate-send
// configuration rather than "unset".
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		DefaultBatchInterval:       defaultBatchInterval,
		DefaultIdleTimeout:         defaultIdleTimeout,
		BatchSizeCap:               sqsBatchSizeCap,
		MaxEntryBytes:              sqsMaxEntryBytes,
		MaxBatchBytes:              sqsMaxBatchBytes,
		MaxBufferSizePerQueue:      defaultMaxBufferSize,
		MaxRetryAttempts:           defaultMaxRetryAttempts,
		SchedulerTick:              defaultSchedulerTick,
		ShutdownJoinTimeout:        defaultShutdownJoinTimeout,
		MaxConcurrentDispatches:    1,
		BreakerConsecutiveFailures: DefaultBreakerConsecutiveFailures,
		BreakerCooldown:            DefaultBreakerCooldown,
		Clock:                      SystemClock{},
	}
}

// normalise clamps values that must stay within hard external limits and
// fills in anything the caller left unset without building on
// DefaultGlobalConfig, returning a config safe to use for the life of a
// Producer. DefaultBatchInterval and DefaultIdleTimeout are left as given:
// 0 is a valid immediate-send value for them, not "unset".
func (c GlobalConfig) normalise() GlobalConfig {
	if c.BatchSizeCap <= 0 || c.BatchSizeCap > sqsBatchSizeCap {
		c.BatchSizeCap = sqsBatchSizeCap
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = sqsMaxEntryBytes
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = sqsMaxBatchBytes
	}
	if c.MaxBufferSizePerQueue <= 0 {
		c.MaxBufferSizePerQueue = defaultMaxBufferSize
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = defaultSchedulerTick
	}
	if c.ShutdownJoinTimeout <= 0 {
		c.ShutdownJoinTimeout = defaultShutdownJoinTimeout
	}
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = 1
	}
	if c.BreakerConsecutiveFailures == 0 {
		c.BreakerConsecutiveFailures = DefaultBreakerConsecutiveFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return c
}

// resolve computes the PerQueueConfig for queue, consulting the group
// override maps and falling back to the instance defaults
// DefaultBatchInterval/DefaultIdleTimeout. Those are used exactly as set:
// a default of 0 (including one left at 0 in a struct literal) resolves to
// a zero wait, not to a package constant.
func (c GlobalConfig) resolve(queue string) PerQueueConfig {
	interval := c.DefaultBatchInterval
	if v, ok := c.GroupBatchIntervals[queue]; ok {
		interval = v
	}
	idle := c.DefaultIdleTimeout
	if v, ok := c.GroupIdleTimeouts[queue]; ok {
		idle = v
	}
	return PerQueueConfig{BatchInterval: interval, IdleTimeout: idle}
}

// externalQueueName derives the identifier handed to BatchSender.Send.
func (c GlobalConfig) externalQueueName(queue string) string {
	return c.Namespace + queue
}

// ConfigOption mutates a GlobalConfig under construction. Apply options to
// the result of DefaultGlobalConfig with ApplyOptions rather than building
// a struct literal, so group override maps don't need to be pre-allocated
// by every caller.
type ConfigOption func(*GlobalConfig)

// ApplyOptions applies opts to cfg in order and returns the result.
func ApplyOptions(cfg GlobalConfig, opts ...ConfigOption) GlobalConfig {
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithGroupBatchInterval overrides the batch interval for a single queue
// name, equivalent to the original broker's per-group batch_interval kwarg.
func WithGroupBatchInterval(queue string, interval time.Duration) ConfigOption {
	return func(c *GlobalConfig) {
		if c.GroupBatchIntervals == nil {
			c.GroupBatchIntervals = make(map[string]time.Duration)
		}
		c.GroupBatchIntervals[queue] = interval
	}
}

// WithGroupIdleTimeout overrides the idle timeout for a single queue name.
func WithGroupIdleTimeout(queue string, timeout time.Duration) ConfigOption {
	return func(c *GlobalConfig) {
		if c.GroupIdleTimeouts == nil {
			c.GroupIdleTimeouts = make(map[string]time.Duration)
		}
		c.GroupIdleTimeouts[queue] = timeout
	}
}

// WithGroupSendRateLimit caps outbound entries/sec for a single queue name.
func WithGroupSendRateLimit(queue string, entriesPerSecond float64) ConfigOption {
	return func(c *GlobalConfig) {
		if c.GroupSendRateLimits == nil {
			c.GroupSendRateLimits = make(map[string]float64)
		}
		c.GroupSendRateLimits[queue] = entriesPerSecond
	}
}

// WithNamespace sets the prefix applied to every queue name before it's
// handed to BatchSender.Send.
func WithNamespace(namespace string) ConfigOption {
	return func(c *GlobalConfig) { c.Namespace = namespace }
}
