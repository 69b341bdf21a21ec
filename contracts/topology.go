package contracts

// ExchangeKind is the routing behavior of an exchange.
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// Valid reports whether the kind is one the broker understands.
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		return true
	}
	return false
}

// ExchangeDecl describes one exchange to declare.
type ExchangeDecl struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
}

// Validate checks the declaration for caller configuration mistakes.
func (e ExchangeDecl) Validate() error {
	if e.Name == "" {
		return ErrMissingExchangeName
	}
	if !e.Kind.Valid() {
		return ErrInvalidExchangeKind
	}
	return nil
}

// QueueDecl describes one queue to declare.
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Validate checks the declaration for caller configuration mistakes.
func (q QueueDecl) Validate() error {
	if q.Name == "" {
		return ErrMissingQueueName
	}
	return nil
}

// BindingDecl routes messages from an exchange to a queue via a routing key.
// An empty routing key is valid for fanout exchanges.
type BindingDecl struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Validate checks the binding for caller configuration mistakes.
func (b BindingDecl) Validate() error {
	if b.Queue == "" || b.Exchange == "" {
		return ErrInvalidBinding
	}
	return nil
}

// TopologySpec is the complete set of broker entities a caller depends on.
// Specs are immutable once handed to a TopologyDeclarator and are re-applied
// verbatim after every reconnect, so every declaration must be idempotent.
type TopologySpec struct {
	Exchanges []ExchangeDecl
	Queues    []QueueDecl
	Bindings  []BindingDecl
}

// Validate checks every declaration in the spec.
func (s TopologySpec) Validate() error {
	for _, e := range s.Exchanges {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, q := range s.Queues {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	for _, b := range s.Bindings {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether the spec declares nothing.
func (s TopologySpec) IsEmpty() bool {
	return len(s.Exchanges) == 0 && len(s.Queues) == 0 && len(s.Bindings) == 0
}
