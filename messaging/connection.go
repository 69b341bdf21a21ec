package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atoav/bender-mq/reliability"
)

// ConnectionState is the lifecycle state of a ConnectionManager.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateDegraded
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionManager owns one broker connection and its lifecycle state
// machine. Connects and reconnects are retried per policy; mid-operation
// failures are not retried here, callers request a fresh channel instead.
type ConnectionManager struct {
	dialer         Dialer
	policy         reliability.RetryPolicy
	connectTimeout time.Duration
	logger         *slog.Logger

	mu       sync.RWMutex
	state    ConnectionState
	conn     BrokerConnection
	readyCh  chan struct{} // closed while Ready, replaced on leaving Ready
	closedCh chan struct{} // closed once, on Closed

	listenersMu    sync.Mutex
	listeners      []reconnectListener
	nextListenerID uint64
}

type reconnectListener struct {
	id uint64
	fn func()
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithRetryPolicy sets the policy used for connect and reconnect attempts.
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithConnectTimeout bounds how long Channel waits for the connection to
// become ready when the caller's context has no deadline of its own.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(dialer Dialer, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:         dialer,
		policy:         reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 8),
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		state:          StateDisconnected,
		readyCh:        make(chan struct{}),
		closedCh:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Connect establishes the initial connection, retrying per policy. Calling
// it while already Connecting, Ready, or Degraded is a no-op. Exhausting the
// policy transitions the manager to Closed and returns a ConnectionError.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnecting, StateReady, StateDegraded:
		cm.mu.Unlock()
		return nil
	case StateClosed:
		cm.mu.Unlock()
		return ErrClosed
	}
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	conn, attempts, err := cm.dialLoop(ctx)
	if err != nil {
		cm.mu.Lock()
		if cm.state == StateConnecting {
			cm.setStateLocked(StateClosed)
		}
		cm.mu.Unlock()
		return &ConnectionError{Op: "connect", Attempts: attempts, Err: err}
	}

	cm.mu.Lock()
	if cm.state == StateClosed {
		// Closed while we were dialing.
		cm.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	cm.conn = conn
	cm.setStateLocked(StateReady)
	cm.mu.Unlock()

	cm.logger.Info("connected to broker", "attempts", attempts)
	go cm.monitor(conn)

	return nil
}

// Channel returns a fresh channel on the live connection. It blocks until
// the manager is Ready, bounded by ctx or the configured connect timeout,
// and fails fast with ErrClosed once the manager is Closed. A manager that
// was never connected fails fast with ErrNotReady.
func (cm *ConnectionManager) Channel(ctx context.Context) (BrokerChannel, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cm.connectTimeout)
		defer cancel()
	}

	for {
		cm.mu.RLock()
		state, conn, readyCh := cm.state, cm.conn, cm.readyCh
		cm.mu.RUnlock()

		switch state {
		case StateClosed:
			return nil, ErrClosed

		case StateDisconnected:
			return nil, fmt.Errorf("%w: Connect has not been called", ErrNotReady)

		case StateReady:
			ch, err := conn.Channel()
			if err != nil {
				if IsLinkLoss(err) {
					// The monitor will flip to Degraded; wait for reconnect.
					select {
					case <-time.After(10 * time.Millisecond):
						continue
					case <-ctx.Done():
						return nil, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
					}
				}
				return nil, &ConnectionError{Op: "open channel", Attempts: 1, Err: err}
			}
			return ch, nil

		default: // Connecting or Degraded
			select {
			case <-readyCh:
			case <-cm.closedCh:
				return nil, ErrClosed
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
			}
		}
	}
}

// OnReconnect registers fn to run on every Degraded→Ready transition.
// Listeners run synchronously, in registration order, under the listener
// lock, so topology replay registered first always precedes resubscription.
// The returned function removes the listener; it blocks until any in-flight
// invocation of the listener chain completes.
func (cm *ConnectionManager) OnReconnect(fn func()) (remove func()) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	cm.nextListenerID++
	id := cm.nextListenerID
	cm.listeners = append(cm.listeners, reconnectListener{id: id, fn: fn})

	return func() {
		cm.listenersMu.Lock()
		defer cm.listenersMu.Unlock()
		for i, l := range cm.listeners {
			if l.id == id {
				cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close releases the connection and transitions to Closed. It is idempotent
// and terminal: no state transition ever leaves Closed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.setStateLocked(StateClosed)
	cm.mu.Unlock()

	cm.logger.Info("connection manager closed")

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setStateLocked performs a transition and maintains the readiness channels.
// Callers must hold cm.mu.
func (cm *ConnectionManager) setStateLocked(next ConnectionState) {
	if cm.state == next {
		return
	}
	prev := cm.state
	cm.state = next
	cm.logger.Debug("connection state changed", "from", prev.String(), "to", next.String())

	switch next {
	case StateReady:
		close(cm.readyCh)
	case StateClosed:
		close(cm.closedCh)
	default:
		if prev == StateReady {
			cm.readyCh = make(chan struct{})
		}
	}
}

// dialLoop dials until success, policy exhaustion, a non-retryable error,
// or shutdown. It returns the number of attempts made.
func (cm *ConnectionManager) dialLoop(ctx context.Context) (BrokerConnection, int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-cm.closedCh:
			return nil, attempt - 1, ErrClosed
		case <-ctx.Done():
			return nil, attempt - 1, ctx.Err()
		default:
		}

		conn, err := cm.dial(ctx)
		if err == nil {
			return conn, attempt, nil
		}
		lastErr = err

		cm.logger.Warn("broker dial failed", "attempt", attempt, "error", err)

		if !IsRetryable(err) {
			return nil, attempt, err
		}

		delay, ok := cm.policy.NextDelay(attempt)
		if !ok {
			return nil, attempt, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
		}

		select {
		case <-time.After(delay):
		case <-cm.closedCh:
			return nil, attempt, ErrClosed
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
}

// dial performs one bounded dial attempt.
func (cm *ConnectionManager) dial(ctx context.Context) (BrokerConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()
	return cm.dialer.Dial(dialCtx)
}

// monitor watches one live connection for link loss.
func (cm *ConnectionManager) monitor(conn BrokerConnection) {
	notify := conn.NotifyClose(make(chan error, 1))

	select {
	case err, ok := <-notify:
		cm.mu.Lock()
		if cm.state == StateClosed || cm.conn != conn {
			cm.mu.Unlock()
			return
		}
		cm.conn = nil
		cm.setStateLocked(StateDegraded)
		cm.mu.Unlock()

		if ok && err != nil {
			cm.logger.Warn("link to broker lost", "error", err)
		} else {
			cm.logger.Warn("link to broker lost")
		}
		cm.reconnect()

	case <-cm.closedCh:
	}
}

// reconnect re-establishes the connection after link loss. On success it
// notifies reconnect listeners; on exhaustion it closes the manager.
func (cm *ConnectionManager) reconnect() {
	conn, attempts, err := cm.dialLoop(context.Background())
	if err != nil {
		cm.logger.Error("reconnection failed, closing",
			"attempts", attempts,
			"error", err)
		cm.Close()
		return
	}

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		conn.Close()
		return
	}
	cm.conn = conn
	cm.setStateLocked(StateReady)
	cm.mu.Unlock()

	cm.logger.Info("reconnected to broker", "attempts", attempts)

	cm.notifyReconnected()
	go cm.monitor(conn)
}

// notifyReconnected invokes the listener chain. Holding listenersMu for the
// whole chain lets Subscription.Cancel serialize against resubscription.
func (cm *ConnectionManager) notifyReconnected() {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for _, l := range cm.listeners {
		l.fn()
	}
}
