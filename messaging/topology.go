package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atoav/bender-mq/contracts"
)

// TopologyDeclarator ensures exchanges, queues, and bindings exist, in that
// order, so bindings never reference undeclared entities. Declarations are
// idempotent; redeclaring an entity with different parameters is a caller
// configuration error surfaced as ErrTopologyConflict and never retried.
//
// The declarator registers itself with the ConnectionManager at construction
// and replays the last ensured spec once per Degraded→Ready transition,
// before any later-registered reconnect listener runs.
type TopologyDeclarator struct {
	cm     *ConnectionManager
	logger *slog.Logger

	mu        sync.Mutex
	exchanges map[string]contracts.ExchangeDecl
	queues    map[string]contracts.QueueDecl
	lastSpec  contracts.TopologySpec
	hasSpec   bool

	removeListener func()
}

// TopologyOption configures the declarator.
type TopologyOption func(*TopologyDeclarator)

// WithTopologyLogger sets the logger.
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(d *TopologyDeclarator) {
		d.logger = logger
	}
}

// NewTopologyDeclarator creates a declarator bound to cm's reconnect cycle.
func NewTopologyDeclarator(cm *ConnectionManager, options ...TopologyOption) *TopologyDeclarator {
	d := &TopologyDeclarator{
		cm:        cm,
		logger:    slog.Default(),
		exchanges: make(map[string]contracts.ExchangeDecl),
		queues:    make(map[string]contracts.QueueDecl),
	}

	for _, opt := range options {
		opt(d)
	}

	d.removeListener = cm.OnReconnect(d.replay)

	return d
}

// Ensure declares everything in spec. Calling it twice with the same spec
// succeeds both times and leaves identical broker state.
func (d *TopologyDeclarator) Ensure(ctx context.Context, spec contracts.TopologySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkConflictsLocked(spec); err != nil {
		return err
	}
	if err := d.applyLocked(ctx, spec); err != nil {
		return err
	}

	for _, e := range spec.Exchanges {
		d.exchanges[e.Name] = e
	}
	for _, q := range spec.Queues {
		d.queues[q.Name] = q
	}
	d.lastSpec = spec
	d.hasSpec = true

	return nil
}

// Close detaches the declarator from the reconnect cycle.
func (d *TopologyDeclarator) Close() {
	if d.removeListener != nil {
		d.removeListener()
	}
}

// checkConflictsLocked compares spec against everything ensured before.
// Conflicts fail before any declaration is issued.
func (d *TopologyDeclarator) checkConflictsLocked(spec contracts.TopologySpec) error {
	for _, e := range spec.Exchanges {
		if prev, ok := d.exchanges[e.Name]; ok && prev != e {
			return &TopologyError{Component: "exchange", Name: e.Name, Op: "declare", Err: ErrTopologyConflict}
		}
	}
	for _, q := range spec.Queues {
		if prev, ok := d.queues[q.Name]; ok && prev != q {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: ErrTopologyConflict}
		}
	}
	return nil
}

// applyLocked issues the declarations in dependency order on one channel.
func (d *TopologyDeclarator) applyLocked(ctx context.Context, spec contracts.TopologySpec) error {
	ch, err := d.cm.Channel(ctx)
	if err != nil {
		return &TopologyError{Component: "topology", Name: "", Op: "open channel for", Err: err}
	}
	defer ch.Close()

	for _, e := range spec.Exchanges {
		if err := ch.DeclareExchange(ctx, e); err != nil {
			return &TopologyError{Component: "exchange", Name: e.Name, Op: "declare", Err: err}
		}
	}
	for _, q := range spec.Queues {
		if err := ch.DeclareQueue(ctx, q); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
		}
	}
	for _, b := range spec.Bindings {
		if err := ch.BindQueue(ctx, b); err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "create", Err: err}
		}
	}

	return nil
}

// replay re-applies the last ensured spec after a reconnect. Failures are
// logged, not propagated; the next Ensure or replay will try again.
func (d *TopologyDeclarator) replay() {
	d.mu.Lock()
	hasSpec, spec := d.hasSpec, d.lastSpec
	d.mu.Unlock()

	if !hasSpec {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.mu.Lock()
	err := d.applyLocked(ctx, spec)
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("topology replay failed", "error", err)
		return
	}

	d.logger.Info("topology replayed",
		"exchanges", len(spec.Exchanges),
		"queues", len(spec.Queues),
		"bindings", len(spec.Bindings))
}
