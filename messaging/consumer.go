package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atoav/bender-mq/contracts"
)

// resubscribeTimeout bounds how long a reconnect hook waits for the new
// consume to be established.
const resubscribeTimeout = 30 * time.Second

// Consumer creates subscriptions that survive reconnects. Each subscription
// runs its handler on a dedicated goroutine so a slow handler never stalls
// connection housekeeping.
type Consumer struct {
	cm          *ConnectionManager
	declarator  *TopologyDeclarator
	prefetch    int
	logger      *slog.Logger
	errObserver func(error)
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount bounds unacknowledged deliveries in flight per subscription.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithErrorObserver registers fn to receive handler panics and resubscribe
// failures. Without an observer these are only logged.
func WithErrorObserver(fn func(error)) ConsumerOption {
	return func(c *Consumer) {
		c.errObserver = fn
	}
}

// NewConsumer creates a consumer using declarator for topology and cm for
// channels.
func NewConsumer(cm *ConnectionManager, declarator *TopologyDeclarator, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		cm:         cm,
		declarator: declarator,
		prefetch:   10,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe ensures spec exists, then starts delivering messages from queue
// to handler. The returned Subscription stays active across reconnects until
// cancelled. Deliveries unacknowledged at the moment of link loss are
// redelivered by the broker and arrive with Redelivered() == true; the
// consumer does not deduplicate them.
func (c *Consumer) Subscribe(ctx context.Context, spec contracts.TopologySpec, queue string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := c.declarator.Ensure(ctx, spec); err != nil {
		return nil, err
	}

	sub := &Subscription{
		consumer: c,
		queue:    queue,
		spec:     spec,
		handler:  handler,
		tag:      "bendermq-" + uuid.NewString(),
		active:   true,
	}

	// Registered before the consume is issued, so a link loss landing in
	// the subscribe window still resubscribes; starts are serialized and
	// the newest one supersedes any earlier consume. The hook also lands
	// after the declarator's replay listener, so topology is back before
	// the subscription is re-established.
	sub.removeHook = c.cm.OnReconnect(sub.onReconnect)

	if err := sub.start(ctx); err != nil {
		sub.Cancel()
		return nil, err
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetchCount", c.prefetch)

	return sub, nil
}

func (c *Consumer) observeError(err error) {
	if c.errObserver != nil {
		c.errObserver(err)
	}
}

// Subscription is one live consume on a queue. It survives reconnects;
// active flips false only on explicit cancellation.
type Subscription struct {
	consumer *Consumer
	queue    string
	spec     contracts.TopologySpec
	handler  Handler
	tag      string

	// startMu serializes start calls so a reconnect racing the initial
	// subscribe leaves exactly one live consume.
	startMu sync.Mutex

	mu     sync.Mutex
	active bool
	ch     BrokerChannel
	stop   context.CancelFunc
	done   chan struct{}

	removeHook func()
}

// Queue returns the subscribed queue name.
func (s *Subscription) Queue() string {
	return s.queue
}

// Active reports whether the subscription has not been cancelled.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancel stops the subscription: the reconnect hook is unregistered, the
// consume is cancelled, and the channel closed. In-flight handler
// invocations complete; Cancel is idempotent and safe to call concurrently
// with a reconnect, in which case cancellation wins.
func (s *Subscription) Cancel() error {
	if s.removeHook != nil {
		// Blocks until any in-flight reconnect listener chain finishes, so
		// a resubscription racing this cancel is cancelled right below.
		s.removeHook()
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	ch, stop := s.ch, s.stop
	s.ch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	var err error
	if ch != nil {
		if cErr := ch.CancelConsume(s.tag); cErr != nil && !IsLinkLoss(cErr) {
			err = cErr
		}
		ch.Close()
	}

	s.consumer.logger.Info("subscription cancelled", "queue", s.queue)
	return err
}

// start opens a channel, applies Qos, issues the consume, and launches the
// processing goroutine. ctx bounds the setup only; the consume itself lives
// until the subscription stops or the link dies. A newer start supersedes
// any previous channel.
func (s *Subscription) start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	c := s.consumer

	ch, err := c.cm.Channel(ctx)
	if err != nil {
		return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "subscribe", Err: err}
	}
	if err := ch.Qos(c.prefetch); err != nil {
		ch.Close()
		return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "set qos", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	deliveries, err := ch.Consume(runCtx, s.queue, s.tag)
	if err != nil {
		cancel()
		ch.Close()
		return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "consume", Err: err}
	}

	done := make(chan struct{})

	s.mu.Lock()
	if !s.active {
		// Cancelled while the channel was being set up.
		s.mu.Unlock()
		cancel()
		ch.Close()
		return nil
	}
	prev, prevStop := s.ch, s.stop
	s.ch = ch
	s.stop = cancel
	s.done = done
	s.mu.Unlock()

	if prevStop != nil {
		prevStop()
	}
	if prev != nil {
		prev.Close()
	}

	go s.run(runCtx, deliveries, done)

	return nil
}

// run processes deliveries until the stream closes or the subscription stops.
func (s *Subscription) run(ctx context.Context, deliveries <-chan Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				// Link loss or cancel; the reconnect hook re-establishes
				// the consume if the subscription is still active.
				s.consumer.logger.Warn("delivery stream closed", "queue", s.queue)
				return
			}
			s.dispatch(ctx, d)
		}
	}
}

// dispatch invokes the handler and issues exactly one settlement.
func (s *Subscription) dispatch(ctx context.Context, d Delivery) {
	decision := s.invoke(ctx, d)

	if decision.IsAck() {
		if err := d.Ack(); err != nil {
			s.consumer.logger.Error("failed to ack delivery", "queue", s.queue, "error", err)
		}
		return
	}
	if err := d.Reject(decision.Requeue()); err != nil {
		s.consumer.logger.Error("failed to reject delivery", "queue", s.queue, "error", err)
	}
}

// invoke runs the handler, converting a panic into a requeueing reject.
func (s *Subscription) invoke(ctx context.Context, d Delivery) (decision contracts.AckDecision) {
	defer func() {
		if r := recover(); r != nil {
			err := &HandlerPanicError{Queue: s.queue, Value: r}
			s.consumer.logger.Error("consumer handler panicked", "queue", s.queue, "panic", r)
			s.consumer.observeError(err)
			decision = contracts.Reject(true)
		}
	}()

	return s.handler(ctx, d)
}

// onReconnect re-establishes the consume after topology replay. It runs
// under the manager's listener lock.
func (s *Subscription) onReconnect() {
	if !s.Active() {
		return
	}

	// The previous run loop exits on its own once its delivery stream
	// closes; start supersedes whatever channel it left behind.
	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()

	if err := s.start(ctx); err != nil {
		s.consumer.logger.Error("resubscribe after reconnect failed", "queue", s.queue, "error", err)
		s.consumer.observeError(err)
		return
	}

	s.consumer.logger.Info("resubscribed after reconnect", "queue", s.queue, "consumerTag", s.tag)
}
