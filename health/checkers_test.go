package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atoav/bender-mq/messaging"
)

type stubReporter struct {
	state messaging.ConnectionState
}

func (s stubReporter) State() messaging.ConnectionState {
	return s.state
}

func TestConnectionChecker(t *testing.T) {
	cases := []struct {
		state messaging.ConnectionState
		want  Status
	}{
		{messaging.StateReady, StatusHealthy},
		{messaging.StateConnecting, StatusDegraded},
		{messaging.StateDegraded, StatusDegraded},
		{messaging.StateDisconnected, StatusUnhealthy},
		{messaging.StateClosed, StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			checker := NewConnectionChecker(stubReporter{state: tc.state})

			result := checker.Check(context.Background())

			assert.Equal(t, tc.want, result.Status)
			assert.Equal(t, "broker-connection", result.Name)
			assert.Equal(t, tc.state.String(), result.Message)
			assert.False(t, result.Timestamp.IsZero())
		})
	}
}

func TestConnectionCheckerName(t *testing.T) {
	checker := NewConnectionChecker(stubReporter{})
	assert.Equal(t, "broker-connection", checker.Name())
}
