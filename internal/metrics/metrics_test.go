package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetPeerCountUpdatesGauge(t *testing.T) {
	SetPeerCount(7)
	require.Equal(t, float64(7), testutil.ToFloat64(peerCount))
}

func TestSetDispatchQueueDepthLabelsByTier(t *testing.T) {
	SetDispatchQueueDepth("network", 3)
	SetDispatchQueueDepth("circuit", 9)
	require.Equal(t, float64(3), testutil.ToFloat64(dispatchQueueDepth.WithLabelValues("network")))
	require.Equal(t, float64(9), testutil.ToFloat64(dispatchQueueDepth.WithLabelValues("circuit")))
}

func TestIncHeartbeatFailureIncrementsCounter(t *testing.T) {
	IncHeartbeatFailure("tcp://10.0.0.1:9000")
	require.Equal(t, float64(1), testutil.ToFloat64(heartbeatFailuresTotal.WithLabelValues("tcp://10.0.0.1:9000")))
	IncHeartbeatFailure("tcp://10.0.0.1:9000")
	require.Equal(t, float64(2), testutil.ToFloat64(heartbeatFailuresTotal.WithLabelValues("tcp://10.0.0.1:9000")))
}

func TestIncCircuitErrorIncrementsCounter(t *testing.T) {
	IncCircuitError("UNKNOWN_SERVICE")
	require.Equal(t, float64(1), testutil.ToFloat64(circuitErrorsTotal.WithLabelValues("UNKNOWN_SERVICE")))
}
