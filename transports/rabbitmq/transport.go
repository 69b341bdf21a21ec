// Package rabbitmq implements the bender-mq broker capability interfaces
// over amqp091-go. It maps AMQP failure codes onto the core error taxonomy:
// connection closure becomes link loss, 406 precondition-failed becomes a
// topology conflict, 403 access-refused marks rejected credentials, and
// other protocol rejections are flagged non-retryable.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/atoav/bender-mq/contracts"
	"github.com/atoav/bender-mq/messaging"
	"github.com/atoav/bender-mq/reliability"
)

// Dialer opens AMQP connections to one broker URL.
type Dialer struct {
	url string
}

// NewDialer creates a dialer for the given amqp:// URL.
func NewDialer(url string) *Dialer {
	return &Dialer{url: url}
}

// Dial implements messaging.Dialer. The dial itself has no context support
// in amqp091-go, so it runs in a goroutine raced against ctx.
func (d *Dialer) Dial(ctx context.Context) (messaging.BrokerConnection, error) {
	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(d.url)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return &Connection{conn: conn}, nil
	case err := <-errCh:
		return nil, translate(err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connection wraps one amqp091 connection.
type Connection struct {
	conn *amqp.Connection
}

// Channel implements messaging.BrokerConnection.
func (c *Connection) Channel() (messaging.BrokerChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, translate(err)
	}
	return &Channel{ch: ch}, nil
}

// NotifyClose implements messaging.BrokerConnection. The receiver gets one
// translated error on link loss, or is closed without a send when the
// connection shuts down gracefully.
func (c *Connection) NotifyClose(receiver chan error) <-chan error {
	closes := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		amqpErr, ok := <-closes
		if !ok || amqpErr == nil {
			close(receiver)
			return
		}
		receiver <- fmt.Errorf("%w: %v", messaging.ErrLinkLoss, amqpErr)
		close(receiver)
	}()

	return receiver
}

// Close implements messaging.BrokerConnection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// IsClosed implements messaging.BrokerConnection.
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Channel wraps one amqp091 channel.
type Channel struct {
	ch *amqp.Channel
}

// DeclareExchange implements messaging.BrokerChannel.
func (c *Channel) DeclareExchange(_ context.Context, decl contracts.ExchangeDecl) error {
	return translate(c.ch.ExchangeDeclare(
		decl.Name,
		string(decl.Kind),
		decl.Durable,
		decl.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	))
}

// DeclareQueue implements messaging.BrokerChannel.
func (c *Channel) DeclareQueue(_ context.Context, decl contracts.QueueDecl) error {
	_, err := c.ch.QueueDeclare(
		decl.Name,
		decl.Durable,
		decl.AutoDelete,
		decl.Exclusive,
		false, // no-wait
		nil,
	)
	return translate(err)
}

// BindQueue implements messaging.BrokerChannel.
func (c *Channel) BindQueue(_ context.Context, decl contracts.BindingDecl) error {
	return translate(c.ch.QueueBind(
		decl.Queue,
		decl.RoutingKey,
		decl.Exchange,
		false, // no-wait
		nil,
	))
}

// Publish implements messaging.BrokerChannel.
func (c *Channel) Publish(ctx context.Context, msg contracts.OutboundMessage) error {
	mode := amqp.Transient
	if msg.DeliveryMode == contracts.Persistent {
		mode = amqp.Persistent
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return translate(c.ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   contentType,
			Body:          msg.Body,
			DeliveryMode:  mode,
			CorrelationId: msg.CorrelationID,
		},
	))
}

// Qos implements messaging.BrokerChannel.
func (c *Channel) Qos(prefetch int) error {
	return translate(c.ch.Qos(prefetch, 0, false))
}

// Consume implements messaging.BrokerChannel.
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan messaging.Delivery, error) {
	deliveries, err := c.ch.ConsumeWithContext(
		ctx,
		queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, translate(err)
	}

	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- &delivery{d: d}:
			case <-ctx.Done():
				// Receiver is gone; drop pending deliveries, the broker
				// redelivers anything unacknowledged.
				return
			}
		}
	}()

	return out, nil
}

// CancelConsume implements messaging.BrokerChannel.
func (c *Channel) CancelConsume(consumerTag string) error {
	return translate(c.ch.Cancel(consumerTag, false))
}

// Close implements messaging.BrokerChannel.
func (c *Channel) Close() error {
	return c.ch.Close()
}

// delivery wraps one amqp091 delivery with one-shot settlement: the tag is
// invalidated on first use, so a second ack or reject cannot reach the
// broker.
type delivery struct {
	d       amqp.Delivery
	settled atomic.Bool
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Redelivered() bool {
	return d.d.Redelivered
}

func (d *delivery) CorrelationID() string {
	return d.d.CorrelationId
}

// Ack implements messaging.Delivery.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return messaging.ErrAlreadySettled
	}
	return translate(d.d.Ack(false))
}

// Reject implements messaging.Delivery.
func (d *delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return messaging.ErrAlreadySettled
	}
	return translate(d.d.Nack(false, requeue))
}

// translate maps amqp091 errors onto the messaging taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", messaging.ErrLinkLoss, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed:
			return fmt.Errorf("%w: %v", messaging.ErrTopologyConflict, amqpErr)
		case amqp.AccessRefused:
			return fmt.Errorf("%w: %v", messaging.ErrAccessRefused, amqpErr)
		case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError, amqp.UnexpectedFrame:
			return fmt.Errorf("%w: %v", messaging.ErrLinkLoss, amqpErr)
		default:
			// Remaining protocol rejections (not-found, not-allowed, ...)
			// are caller configuration errors; retrying cannot help.
			return reliability.RetryableError{Err: err, Retryable: false}
		}
	}

	return err
}
