package kv

import (
	"context"
	"testing"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/stretchr/testify/require"
)

func sendAndRecv(t *testing.T, svc *Service, cmd string) string {
	t.Helper()
	out := make(chan orchestrator.ServiceMessage, 1)
	msg := orchestrator.ServiceMessage{SenderID: "client", RecipientID: "kv-service", Payload: []byte(cmd)}
	require.NoError(t, svc.HandleMessage(context.Background(), msg, out))
	return string((<-out).Payload)
}

func TestSetGetDel(t *testing.T) {
	svc := New()

	require.Equal(t, "NIL", sendAndRecv(t, svc, "GET foo"))
	require.Equal(t, "OK", sendAndRecv(t, svc, "SET foo bar"))
	require.Equal(t, "bar", sendAndRecv(t, svc, "GET foo"))
	require.Equal(t, "OK", sendAndRecv(t, svc, "DEL foo"))
	require.Equal(t, "NIL", sendAndRecv(t, svc, "GET foo"))
}

func TestUnknownCommand(t *testing.T) {
	svc := New()
	resp := sendAndRecv(t, svc, "FOO bar")
	require.Contains(t, resp, "ERR")
}

func TestReplyAddressedBackToSender(t *testing.T) {
	svc := New()
	out := make(chan orchestrator.ServiceMessage, 1)
	msg := orchestrator.ServiceMessage{CircuitID: "c1", SenderID: "alice", RecipientID: "kv-service", CorrelationID: "x", Payload: []byte("SET a 1")}
	require.NoError(t, svc.HandleMessage(context.Background(), msg, out))
	reply := <-out
	require.Equal(t, "alice", reply.RecipientID)
	require.Equal(t, "kv-service", reply.SenderID)
	require.Equal(t, "x", reply.CorrelationID)
}
