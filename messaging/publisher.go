package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/atoav/bender-mq/contracts"
	"github.com/atoav/bender-mq/reliability"
)

// Publisher publishes messages through the ConnectionManager. Link loss
// during a publish is treated as one retryable failure: a fresh channel is
// requested and the publish is repeated from scratch, up to the retry
// budget. A message is never considered delivered until the send returns
// success from a ready connection, and never sent twice for one Publish
// call that ultimately succeeds.
//
// A circuit breaker guards the send path so a dead broker fails fast
// instead of burning the whole retry budget on every call.
type Publisher struct {
	cm             *ConnectionManager
	policy         reliability.RetryPolicy
	breaker        *gobreaker.CircuitBreaker
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	policy          reliability.RetryPolicy
	publishTimeout  time.Duration
	logger          *slog.Logger
	breakerSettings *gobreaker.Settings
	disableBreaker  bool
}

// WithPublishRetryPolicy sets the retry budget for one Publish call.
func WithPublishRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(c *publisherConfig) {
		c.policy = policy
	}
}

// WithPublishTimeout sets the default deadline applied when the caller's
// context has none.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		c.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithBreakerSettings overrides the circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) PublisherOption {
	return func(c *publisherConfig) {
		c.breakerSettings = &settings
	}
}

// WithoutCircuitBreaker disables the circuit breaker entirely.
func WithoutCircuitBreaker() PublisherOption {
	return func(c *publisherConfig) {
		c.disableBreaker = true
	}
}

// NewPublisher creates a publisher on top of cm.
func NewPublisher(cm *ConnectionManager, options ...PublisherOption) *Publisher {
	cfg := &publisherConfig{
		policy:         reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5),
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	p := &Publisher{
		cm:             cm,
		policy:         cfg.policy,
		publishTimeout: cfg.publishTimeout,
		logger:         cfg.logger,
	}

	if !cfg.disableBreaker {
		settings := defaultBreakerSettings(cfg.logger)
		if cfg.breakerSettings != nil {
			settings = *cfg.breakerSettings
		}
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return p
}

func defaultBreakerSettings(logger *slog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    "bendermq-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	}
}

// Publish sends msg, retrying transient failures per policy until the retry
// budget or the deadline runs out. Exhaustion surfaces as a PublishError
// wrapping ErrPublishTimeout; non-retryable protocol rejections surface
// immediately.
func (p *Publisher) Publish(ctx context.Context, msg contracts.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return &PublishError{Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Attempts: attempt, Err: err}
		}

		p.logger.Warn("publish attempt failed",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"attempt", attempt,
			"error", err)

		delay, ok := p.policy.NextDelay(attempt)
		if !ok {
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Attempts:   attempt,
				Err:        fmt.Errorf("%w: %w", ErrPublishTimeout, lastErr),
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Attempts:   attempt,
				Err:        fmt.Errorf("%w: %w", ErrPublishTimeout, ctx.Err()),
			}
		}
	}
}

// attempt performs one send on a fresh channel.
func (p *Publisher) attempt(ctx context.Context, msg contracts.OutboundMessage) error {
	send := func() error {
		ch, err := p.cm.Channel(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.Publish(ctx, msg)
	}

	if p.breaker == nil {
		return send()
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, send()
	})
	return err
}
