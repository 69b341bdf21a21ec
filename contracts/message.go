package contracts

// DeliveryMode controls whether the broker persists a message to disk.
type DeliveryMode uint8

const (
	// Transient messages are kept in memory only and are lost on broker restart.
	Transient DeliveryMode = 1
	// Persistent messages are written to disk when routed to durable queues.
	Persistent DeliveryMode = 2
)

// OutboundMessage is a single message handed to the Publisher. It is not
// retained after Publish returns.
type OutboundMessage struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	ContentType   string
	DeliveryMode  DeliveryMode
	CorrelationID string
}

// Validate checks that the message can be routed at all.
func (m OutboundMessage) Validate() error {
	if m.Exchange == "" && m.RoutingKey == "" {
		return ErrUnroutableMessage
	}
	return nil
}

// AckDecision is the verdict a consumer handler returns for one delivery.
// Use Ack or Reject to construct it; the zero value rejects without requeue.
type AckDecision struct {
	ack     bool
	requeue bool
}

// Ack marks the delivery as successfully processed.
func Ack() AckDecision {
	return AckDecision{ack: true}
}

// Reject refuses the delivery, optionally asking the broker to requeue it.
func Reject(requeue bool) AckDecision {
	return AckDecision{requeue: requeue}
}

// IsAck reports whether the decision acknowledges the delivery.
func (d AckDecision) IsAck() bool {
	return d.ack
}

// Requeue reports whether a rejected delivery should be requeued.
func (d AckDecision) Requeue() bool {
	return !d.ack && d.requeue
}
