// Package reliability provides the retry policies used by every bender-mq
// operation that must survive transient broker unavailability.
//
// A RetryPolicy is a pure function of the attempt count: it yields the wait
// before the next attempt, or reports exhaustion. ExponentialBackoff is the
// default everywhere; its jitter keeps a fleet of consumers from
// reconnecting in lockstep after a shared broker outage.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(
//	    100*time.Millisecond, // base delay
//	    30*time.Second,       // delay ceiling
//	    2.0,                  // multiplier
//	    5,                    // max attempts
//	)
//
//	err := reliability.Retry(ctx, policy, func() error {
//	    return flakyOperation()
//	})
package reliability
