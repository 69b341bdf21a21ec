package contracts

import "errors"

var (
	// ErrMissingExchangeName is returned when an exchange declaration has no name.
	ErrMissingExchangeName = errors.New("contracts: exchange declaration requires a name")

	// ErrInvalidExchangeKind is returned for exchange kinds the broker does not know.
	ErrInvalidExchangeKind = errors.New("contracts: invalid exchange kind")

	// ErrMissingQueueName is returned when a queue declaration has no name.
	ErrMissingQueueName = errors.New("contracts: queue declaration requires a name")

	// ErrInvalidBinding is returned when a binding does not name both a queue and an exchange.
	ErrInvalidBinding = errors.New("contracts: binding requires a queue and an exchange name")

	// ErrUnroutableMessage is returned when a message names neither an exchange nor a routing key.
	ErrUnroutableMessage = errors.New("contracts: message requires an exchange or a routing key")

	// ErrMissingJobID is returned when a job has no id.
	ErrMissingJobID = errors.New("contracts: job requires an id")
)
