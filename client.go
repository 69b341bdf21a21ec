// Package bendermq is a resilience and topology-management layer above a
// raw AMQP connection. It gives callers connect-with-retry, idempotent
// topology declaration, publishing, and consume-with-acknowledgement that
// stay correct across broker restarts, without each caller re-implementing
// reconnect, backoff, and redeclare logic.
//
// The package also carries the bender conventions: a durable topic exchange
// "info-topic" for job and status traffic, and a durable direct exchange
// "task" feeding the "tasks" work queue.
//
//	cfg, _ := bendermq.LoadConfig()
//	client, err := bendermq.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.EnsureTaskTopology(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.PostTask(ctx, payload); err != nil {
//	    log.Fatal(err)
//	}
package bendermq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/atoav/bender-mq/contracts"
	"github.com/atoav/bender-mq/health"
	"github.com/atoav/bender-mq/messaging"
	"github.com/atoav/bender-mq/reliability"
	"github.com/atoav/bender-mq/transports/rabbitmq"
)

// Bender convention names, carried over from the original library.
const (
	// InfoExchange is the durable topic exchange for job and status messages.
	InfoExchange = "info-topic"
	// InfoQueue collects everything published to InfoExchange.
	InfoQueue = "info"
	// TaskExchange is the durable direct exchange for work dispatch.
	TaskExchange = "task"
	// TaskQueue is the work queue bound to TaskExchange.
	TaskQueue = "tasks"
	// TaskRoutingKey routes work into TaskQueue.
	TaskRoutingKey = "tasks"
)

// InfoTopology describes the info-topic exchange with its catch-all queue.
func InfoTopology() contracts.TopologySpec {
	return contracts.TopologySpec{
		Exchanges: []contracts.ExchangeDecl{
			{Name: InfoExchange, Kind: contracts.ExchangeTopic, Durable: true},
		},
		Queues: []contracts.QueueDecl{
			{Name: InfoQueue, Durable: true},
		},
		Bindings: []contracts.BindingDecl{
			{Queue: InfoQueue, Exchange: InfoExchange, RoutingKey: "#"},
		},
	}
}

// TaskTopology describes the task exchange with its work queue.
func TaskTopology() contracts.TopologySpec {
	return contracts.TopologySpec{
		Exchanges: []contracts.ExchangeDecl{
			{Name: TaskExchange, Kind: contracts.ExchangeDirect, Durable: true},
		},
		Queues: []contracts.QueueDecl{
			{Name: TaskQueue, Durable: true},
		},
		Bindings: []contracts.BindingDecl{
			{Queue: TaskQueue, Exchange: TaskExchange, RoutingKey: TaskRoutingKey},
		},
	}
}

// Client wires a ConnectionManager, TopologyDeclarator, Publisher, and
// Consumer over the RabbitMQ transport. One Client owns one connection;
// share it by reference between publishers and consumers.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	cm        *messaging.ConnectionManager
	topology  *messaging.TopologyDeclarator
	publisher *messaging.Publisher
	consumer  *messaging.Consumer
	checker   *health.ConnectionChecker

	mu      sync.Mutex
	subs    []*messaging.Subscription
	ensured contracts.TopologySpec
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger      *slog.Logger
	dialer      messaging.Dialer
	policy      reliability.RetryPolicy
	errObserver func(error)
}

// WithClientLogger sets the logger shared by all components.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the RabbitMQ dialer, mainly for tests.
func WithDialer(dialer messaging.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// WithClientRetryPolicy replaces the config-derived retry policy.
func WithClientRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		c.policy = policy
	}
}

// WithClientErrorObserver receives handler panics and resubscribe failures.
func WithClientErrorObserver(fn func(error)) ClientOption {
	return func(c *clientConfig) {
		c.errObserver = fn
	}
}

// NewClient creates a client for the broker named by cfg. It does not
// connect; call Connect.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cc)
	}

	if cc.dialer == nil {
		cc.dialer = rabbitmq.NewDialer(cfg.URL)
	}
	if cc.policy == nil {
		cc.policy = cfg.retryPolicy()
	}

	cm := messaging.NewConnectionManager(cc.dialer,
		messaging.WithLogger(cc.logger),
		messaging.WithRetryPolicy(cc.policy),
		messaging.WithConnectTimeout(cfg.ConnectTimeout),
	)

	topology := messaging.NewTopologyDeclarator(cm,
		messaging.WithTopologyLogger(cc.logger),
	)

	publisher := messaging.NewPublisher(cm,
		messaging.WithPublishRetryPolicy(cc.policy),
		messaging.WithPublisherLogger(cc.logger),
	)

	consumerOpts := []messaging.ConsumerOption{
		messaging.WithPrefetchCount(cfg.PrefetchCount),
		messaging.WithConsumerLogger(cc.logger),
	}
	if cc.errObserver != nil {
		consumerOpts = append(consumerOpts, messaging.WithErrorObserver(cc.errObserver))
	}
	consumer := messaging.NewConsumer(cm, topology, consumerOpts...)

	return &Client{
		cfg:       cfg,
		logger:    cc.logger,
		cm:        cm,
		topology:  topology,
		publisher: publisher,
		consumer:  consumer,
		checker:   health.NewConnectionChecker(cm),
	}, nil
}

// Connect establishes the broker connection, retrying per the configured
// policy. It is idempotent.
func (c *Client) Connect(ctx context.Context) error {
	return c.cm.Connect(ctx)
}

// State returns the connection lifecycle state.
func (c *Client) State() messaging.ConnectionState {
	return c.cm.State()
}

// Health reports broker connectivity.
func (c *Client) Health(ctx context.Context) health.CheckResult {
	return c.checker.Check(ctx)
}

// Close cancels all subscriptions and releases the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			c.logger.Warn("cancelling subscription on close failed", "queue", sub.Queue(), "error", err)
		}
	}

	c.topology.Close()
	return c.cm.Close()
}

// EnsureInfoTopology declares the info-topic exchange, the info queue, and
// its catch-all binding.
func (c *Client) EnsureInfoTopology(ctx context.Context) error {
	return c.Ensure(ctx, InfoTopology())
}

// EnsureTaskTopology declares the task exchange, the tasks queue, and its
// binding.
func (c *Client) EnsureTaskTopology(ctx context.Context) error {
	return c.Ensure(ctx, TaskTopology())
}

// Ensure declares a caller-provided topology. The client accumulates every
// spec it has ensured into one union, so the declarator's replay after a
// reconnect covers all of them, not just the most recent call. The union is
// committed only once the declarator accepts the spec; a rejected spec
// cannot poison later calls.
func (c *Client) Ensure(ctx context.Context, spec contracts.TopologySpec) error {
	if err := c.topology.Ensure(ctx, c.previewEnsured(spec)); err != nil {
		return err
	}
	c.commitEnsured(spec)
	return nil
}

// previewEnsured returns the committed union extended by spec, without
// committing anything.
func (c *Client) previewEnsured(spec contracts.TopologySpec) contracts.TopologySpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unionSpec(c.ensured, spec)
}

// commitEnsured folds an accepted spec into the committed union.
func (c *Client) commitEnsured(spec contracts.TopologySpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured = unionSpec(c.ensured, spec)
}

// unionSpec merges add into a copy of base, skipping declarations already
// present.
func unionSpec(base, add contracts.TopologySpec) contracts.TopologySpec {
	merged := contracts.TopologySpec{
		Exchanges: append([]contracts.ExchangeDecl(nil), base.Exchanges...),
		Queues:    append([]contracts.QueueDecl(nil), base.Queues...),
		Bindings:  append([]contracts.BindingDecl(nil), base.Bindings...),
	}

	for _, e := range add.Exchanges {
		if !containsExchange(merged.Exchanges, e) {
			merged.Exchanges = append(merged.Exchanges, e)
		}
	}
	for _, q := range add.Queues {
		if !containsQueue(merged.Queues, q) {
			merged.Queues = append(merged.Queues, q)
		}
	}
	for _, b := range add.Bindings {
		if !containsBinding(merged.Bindings, b) {
			merged.Bindings = append(merged.Bindings, b)
		}
	}

	return merged
}

func containsExchange(decls []contracts.ExchangeDecl, decl contracts.ExchangeDecl) bool {
	for _, d := range decls {
		if d == decl {
			return true
		}
	}
	return false
}

func containsQueue(decls []contracts.QueueDecl, decl contracts.QueueDecl) bool {
	for _, d := range decls {
		if d == decl {
			return true
		}
	}
	return false
}

func containsBinding(decls []contracts.BindingDecl, decl contracts.BindingDecl) bool {
	for _, d := range decls {
		if d == decl {
			return true
		}
	}
	return false
}

// PostToInfo publishes a persistent message to the info-topic exchange with
// a routing key of the caller's choice.
func (c *Client) PostToInfo(ctx context.Context, routingKey string, payload []byte) error {
	return c.publisher.Publish(ctx, contracts.OutboundMessage{
		Exchange:     InfoExchange,
		RoutingKey:   routingKey,
		Body:         payload,
		ContentType:  "text/plain",
		DeliveryMode: contracts.Persistent,
	})
}

// PostTask publishes a persistent work item to the task exchange.
func (c *Client) PostTask(ctx context.Context, payload []byte) error {
	return c.publisher.Publish(ctx, contracts.OutboundMessage{
		Exchange:     TaskExchange,
		RoutingKey:   TaskRoutingKey,
		Body:         payload,
		ContentType:  "text/plain",
		DeliveryMode: contracts.Persistent,
	})
}

// PostJob serializes job and publishes it to the info-topic exchange with
// the job id as routing key. It returns the serialized payload.
func (c *Client) PostJob(ctx context.Context, job contracts.Job) (string, error) {
	data, err := job.Serialize()
	if err != nil {
		return "", err
	}

	err = c.publisher.Publish(ctx, contracts.OutboundMessage{
		Exchange:      InfoExchange,
		RoutingKey:    job.ID,
		Body:          data,
		ContentType:   "application/json",
		DeliveryMode:  contracts.Persistent,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Publish publishes an arbitrary message through the shared publisher.
func (c *Client) Publish(ctx context.Context, msg contracts.OutboundMessage) error {
	return c.publisher.Publish(ctx, msg)
}

// SubscribeInfo consumes everything arriving on the info queue.
func (c *Client) SubscribeInfo(ctx context.Context, handler messaging.Handler) (*messaging.Subscription, error) {
	return c.subscribe(ctx, InfoTopology(), InfoQueue, handler)
}

// SubscribeTasks consumes work items from the tasks queue.
func (c *Client) SubscribeTasks(ctx context.Context, handler messaging.Handler) (*messaging.Subscription, error) {
	return c.subscribe(ctx, TaskTopology(), TaskQueue, handler)
}

// Subscribe consumes from an arbitrary queue after ensuring spec.
func (c *Client) Subscribe(ctx context.Context, spec contracts.TopologySpec, queue string, handler messaging.Handler) (*messaging.Subscription, error) {
	return c.subscribe(ctx, spec, queue, handler)
}

func (c *Client) subscribe(ctx context.Context, spec contracts.TopologySpec, queue string, handler messaging.Handler) (*messaging.Subscription, error) {
	sub, err := c.consumer.Subscribe(ctx, c.previewEnsured(spec), queue, handler)
	if err != nil {
		return nil, err
	}
	c.commitEnsured(spec)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return sub, nil
}
