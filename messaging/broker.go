package messaging

import (
	"context"

	"github.com/atoav/bender-mq/contracts"
)

// Dialer opens physical connections to a broker.
type Dialer interface {
	Dial(ctx context.Context) (BrokerConnection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (BrokerConnection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (BrokerConnection, error) {
	return f(ctx)
}

// BrokerConnection is one physical connection to the broker. Implementations
// must report link loss as an error satisfying IsLinkLoss so the
// ConnectionManager can distinguish it from caller mistakes.
type BrokerConnection interface {
	// Channel opens a new multiplexed channel on the connection. Each
	// publisher and subscription gets its own channel so a blocking publish
	// cannot stall consumption.
	Channel() (BrokerChannel, error)

	// NotifyClose registers receiver for the connection's terminal error.
	// The receiver is closed without a send on graceful shutdown.
	NotifyClose(receiver chan error) <-chan error

	// Close shuts the connection down.
	Close() error

	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool
}

// BrokerChannel exposes the raw declare/publish/consume/ack primitives of
// one channel.
type BrokerChannel interface {
	DeclareExchange(ctx context.Context, decl contracts.ExchangeDecl) error
	DeclareQueue(ctx context.Context, decl contracts.QueueDecl) error
	BindQueue(ctx context.Context, decl contracts.BindingDecl) error

	Publish(ctx context.Context, msg contracts.OutboundMessage) error

	// Qos bounds the number of unacknowledged deliveries in flight.
	Qos(prefetch int) error

	// Consume starts delivering messages from queue. ctx governs the
	// consume's lifetime, not just its setup: the returned stream is closed
	// when ctx ends, the channel dies, or the consume is cancelled; it is
	// not restartable.
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)

	// CancelConsume stops the consume identified by consumerTag.
	CancelConsume(consumerTag string) error

	Close() error
}

// Delivery is one inbound message. Exactly one of Ack or Reject may succeed;
// the second settlement attempt returns ErrAlreadySettled.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	CorrelationID() string

	Ack() error
	Reject(requeue bool) error
}

// Handler processes one delivery and returns the acknowledgement decision.
// The Consumer issues the matching ack or reject; handlers never settle the
// delivery themselves.
type Handler func(ctx context.Context, d Delivery) contracts.AckDecision
