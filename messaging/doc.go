// Package messaging implements the resilience core of bender-mq: the
// connection lifecycle state machine and the topology, publish, and consume
// contracts built on top of it.
//
// The package never touches a concrete broker client. It depends on the
// BrokerConnection capability interfaces, which transports/rabbitmq
// implements over amqp091-go; tests implement them with an in-memory fake.
//
// Components:
//   - ConnectionManager: owns the Disconnected → Connecting → Ready →
//     Degraded → Closed state machine and retries connects per policy
//   - TopologyDeclarator: idempotent exchange/queue/binding declaration,
//     replayed after every reconnect
//   - Publisher: publish with bounded retry on link loss, guarded by a
//     circuit breaker
//   - Consumer: queue subscription with exactly-once acknowledgement per
//     delivery and automatic resubscription after reconnect
//
// Transient link-loss errors are absorbed and retried up to policy limits;
// configuration errors (topology conflicts, refused credentials) surface
// immediately and are never retried.
package messaging
