// Package alerting delivers best-effort notifications about producer-level
// failures (retry exhaustion, incomplete shutdown drain) to external
// channels such as Slack. Delivery failures are logged and swallowed —
// alerting never affects producer behaviour.
package alerting

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event describes a notable producer failure worth surfacing to an operator.
type Event struct {
	Queue   string
	Kind    string // "retry_exhausted" or "shutdown_drain_incomplete"
	Message string
	Count   int
}

// Channel delivers an Event to some external system.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Service fans an Event out to every registered Channel.
type Service struct {
	channels []Channel
}

// NewService creates an alerting service with no channels registered.
func NewService() *Service {
	return &Service{}
}

// AddChannel registers a delivery channel.
func (s *Service) AddChannel(ch Channel) {
	s.channels = append(s.channels, ch)
}

// Notify delivers the event to every channel, logging (not propagating)
// individual delivery failures.
func (s *Service) Notify(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, e); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("queue", e.Queue).
				Str("kind", e.Kind).
				Msg("failed to deliver producer alert")
		}
	}
}
