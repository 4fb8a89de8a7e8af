package echo

import (
	"context"
	"testing"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/stretchr/testify/require"
)

func TestServiceEchoesBackToSender(t *testing.T) {
	svc := Service{}
	out := make(chan orchestrator.ServiceMessage, 1)

	msg := orchestrator.ServiceMessage{
		CircuitID:     "circuit-1",
		SenderID:      "alice",
		RecipientID:   "echo-service",
		CorrelationID: "corr-1",
		Payload:       []byte("hello"),
	}
	require.NoError(t, svc.HandleMessage(context.Background(), msg, out))

	reply := <-out
	require.Equal(t, "alice", reply.RecipientID)
	require.Equal(t, "echo-service", reply.SenderID)
	require.Equal(t, "corr-1", reply.CorrelationID)
	require.Equal(t, []byte("hello"), reply.Payload)
}

func TestFactoryCreatesIndependentServices(t *testing.T) {
	f := Factory{}
	a, err := f.Create(orchestrator.ServiceDef{ID: "a", Type: "echo"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
}
