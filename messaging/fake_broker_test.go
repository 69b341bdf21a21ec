package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/atoav/bender-mq/contracts"
)

// fakeBroker holds broker-side state shared by every fake connection, so
// declarations and messages survive simulated link loss the way a real
// broker's state survives a client reconnect.
type fakeBroker struct {
	mu          sync.Mutex
	exchanges   map[string]contracts.ExchangeDecl
	queues      map[string]contracts.QueueDecl
	bindings    []contracts.BindingDecl
	ops         []string // chronological op log: "declare-exchange:x", "consume:q", ...
	published   []contracts.OutboundMessage
	consumes    map[string][]*fakeConsume
	acks        int
	rejects     []bool // requeue flag per reject
	failPublish int    // fail next N publishes with link loss
	publishErrs []error
	consumeGate chan struct{} // when set, Consume blocks until released
	gateWaiters int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]contracts.ExchangeDecl),
		queues:    make(map[string]contracts.QueueDecl),
		consumes:  make(map[string][]*fakeConsume),
	}
}

func (b *fakeBroker) logOp(op string) {
	b.ops = append(b.ops, op)
}

func (b *fakeBroker) opCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, o := range b.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (b *fakeBroker) opLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBroker) failNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = n
}

func (b *fakeBroker) queuePublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, err)
}

// push injects a delivery into a queue's active consumers, simulating the
// broker handing out a message (redelivered marks broker-side redelivery of
// an unacknowledged message after link loss).
func (b *fakeBroker) push(queue string, body []byte, redelivered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(queue, body, "", redelivered)
}

func (b *fakeBroker) pushLocked(queue string, body []byte, correlationID string, redelivered bool) {
	for _, cons := range b.consumes[queue] {
		if cons.closed {
			continue
		}
		d := &fakeDelivery{broker: b, body: body, correlationID: correlationID, redelivered: redelivered}
		select {
		case cons.ch <- d:
		default:
		}
	}
}

// gateConsumes makes every subsequent Consume block in its setup window
// until the returned release func runs.
func (b *fakeBroker) gateConsumes() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.consumeGate = gate
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if b.consumeGate == gate {
			b.consumeGate = nil
		}
		b.mu.Unlock()
		close(gate)
	}
}

func (b *fakeBroker) gateWaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gateWaiters
}

func (b *fakeBroker) activeConsumeCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, cons := range b.consumes[queue] {
		if !cons.closed {
			n++
		}
	}
	return n
}

func (b *fakeBroker) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

func (b *fakeBroker) rejectLog() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.rejects...)
}

// fakeDialer produces fake connections against one shared fakeBroker and
// can be told to refuse the next N dials.
type fakeDialer struct {
	broker *fakeBroker

	mu       sync.Mutex
	failures int
	failErr  error
	dials    int
	conns    []*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{broker: newFakeBroker()}
}

func (d *fakeDialer) Dial(ctx context.Context) (BrokerConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		if d.failErr != nil {
			return nil, d.failErr
		}
		return nil, errors.New("dial tcp: connection refused")
	}

	conn := &fakeConn{broker: d.broker}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) failNextWith(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
	d.failErr = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeConn is one simulated physical connection.
type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notifies []chan error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (BrokerChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", ErrLinkLoss)
	}
	ch := &fakeChannel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan error) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifies = append(c.notifies, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, n := range c.notifies {
		close(n)
	}
	c.notifies = nil
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// failLink simulates the broker dropping the connection: every registered
// close notification fires and every delivery stream closes.
func (c *fakeConn) failLink() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notifies := c.notifies
	c.notifies = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.closeConsumes()
	}
	for _, n := range notifies {
		n <- fmt.Errorf("%w: connection reset by peer", ErrLinkLoss)
		close(n)
	}
}

// fakeChannel is one multiplexed channel on a fake connection.
type fakeChannel struct {
	conn   *fakeConn
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	prefetch int
	consumes []*fakeConsume
}

type fakeConsume struct {
	tag    string
	queue  string
	ch     chan Delivery
	closed bool
}

func (ch *fakeChannel) alive() error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed || ch.conn.IsClosed() {
		return fmt.Errorf("%w: channel closed", ErrLinkLoss)
	}
	return nil
}

func (ch *fakeChannel) DeclareExchange(_ context.Context, decl contracts.ExchangeDecl) error {
	if err := ch.alive(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.exchanges[decl.Name]; ok && prev != decl {
		return fmt.Errorf("%w: exchange %q", ErrTopologyConflict, decl.Name)
	}
	b.exchanges[decl.Name] = decl
	b.logOp("declare-exchange:" + decl.Name)
	return nil
}

func (ch *fakeChannel) DeclareQueue(_ context.Context, decl contracts.QueueDecl) error {
	if err := ch.alive(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.queues[decl.Name]; ok && prev != decl {
		return fmt.Errorf("%w: queue %q", ErrTopologyConflict, decl.Name)
	}
	b.queues[decl.Name] = decl
	b.logOp("declare-queue:" + decl.Name)
	return nil
}

func (ch *fakeChannel) BindQueue(_ context.Context, decl contracts.BindingDecl) error {
	if err := ch.alive(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prev := range b.bindings {
		if prev == decl {
			b.logOp("bind:" + decl.Queue)
			return nil
		}
	}
	b.bindings = append(b.bindings, decl)
	b.logOp("bind:" + decl.Queue)
	return nil
}

func (ch *fakeChannel) Publish(_ context.Context, msg contracts.OutboundMessage) error {
	if err := ch.alive(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPublish > 0 {
		b.failPublish--
		return fmt.Errorf("%w: write: broken pipe", ErrLinkLoss)
	}
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		return err
	}

	b.published = append(b.published, msg)

	// Route through bindings; "#" catches everything on a topic exchange.
	for _, bind := range b.bindings {
		if bind.Exchange != msg.Exchange {
			continue
		}
		if bind.RoutingKey == msg.RoutingKey || bind.RoutingKey == "#" {
			b.pushLocked(bind.Queue, msg.Body, msg.CorrelationID, false)
		}
	}
	return nil
}

func (ch *fakeChannel) Qos(prefetch int) error {
	if err := ch.alive(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetch
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error) {
	if err := ch.alive(); err != nil {
		return nil, err
	}

	b := ch.broker
	b.mu.Lock()
	gate := b.consumeGate
	if gate != nil {
		b.gateWaiters++
	}
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	cons := &fakeConsume{tag: consumerTag, queue: queue, ch: make(chan Delivery, 16)}

	ch.mu.Lock()
	ch.consumes = append(ch.consumes, cons)
	ch.mu.Unlock()

	b.mu.Lock()
	b.consumes[queue] = append(b.consumes[queue], cons)
	b.logOp("consume:" + queue)
	b.mu.Unlock()

	// Consume lifetime follows ctx, like the real transport.
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if !cons.closed {
			cons.closed = true
			close(cons.ch)
		}
		b.mu.Unlock()
	}()

	return cons.ch, nil
}

func (ch *fakeChannel) CancelConsume(consumerTag string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, cons := range ch.consumes {
		if cons.tag == consumerTag {
			ch.broker.mu.Lock()
			if !cons.closed {
				cons.closed = true
				close(cons.ch)
			}
			ch.broker.mu.Unlock()
		}
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()
	ch.closeConsumes()
	return nil
}

func (ch *fakeChannel) closeConsumes() {
	ch.mu.Lock()
	consumes := ch.consumes
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	for _, cons := range consumes {
		if !cons.closed {
			cons.closed = true
			close(cons.ch)
		}
	}
}

// fakeDelivery settles exactly once, like the real transport delivery.
type fakeDelivery struct {
	broker        *fakeBroker
	body          []byte
	correlationID string
	redelivered   bool
	settled       atomic.Bool
}

func (d *fakeDelivery) Body() []byte          { return d.body }
func (d *fakeDelivery) Redelivered() bool     { return d.redelivered }
func (d *fakeDelivery) CorrelationID() string { return d.correlationID }

func (d *fakeDelivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.broker.mu.Lock()
	d.broker.acks++
	d.broker.mu.Unlock()
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.broker.mu.Lock()
	d.broker.rejects = append(d.broker.rejects, requeue)
	d.broker.mu.Unlock()
	return nil
}
