// Package contracts defines the data types exchanged between bender-mq
// components and their callers.
//
// The types here are plain values with no broker dependency:
//   - TopologySpec, ExchangeDecl, QueueDecl, BindingDecl: declarative
//     description of the exchanges, queues, and bindings a caller needs
//   - OutboundMessage: a message handed to the Publisher
//   - AckDecision: the verdict a consumer handler returns for a delivery
//   - Job: the serializable job record posted through the info exchange
//
// All types are safe to construct directly; Validate methods report
// configuration mistakes before anything touches the wire.
package contracts
