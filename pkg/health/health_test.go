package health

import (
	"context"
	"testing"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/stretchr/testify/require"
)

type fixedPeerCounter int

func (f fixedPeerCounter) PeerCount() int { return int(f) }

func sendAndRecv(t *testing.T, svc *Service, cmd string) string {
	t.Helper()
	out := make(chan orchestrator.ServiceMessage, 1)
	msg := orchestrator.ServiceMessage{SenderID: "client", RecipientID: ServiceID, Payload: []byte(cmd)}
	require.NoError(t, svc.HandleMessage(context.Background(), msg, out))
	return string((<-out).Payload)
}

func TestPingRespondsPong(t *testing.T) {
	svc := New("node-a", nil, nil)
	require.Equal(t, "PONG", sendAndRecv(t, svc, "ping"))
}

func TestStatsReportsPeerAndCircuitCounts(t *testing.T) {
	table := routing.New()
	table.PutCircuit("c1", routing.CircuitDef{})
	table.PutCircuit("c2", routing.CircuitDef{})
	svc := New("node-a", fixedPeerCounter(3), table)

	resp := sendAndRecv(t, svc, "STATS")
	require.Contains(t, resp, "node=node-a")
	require.Contains(t, resp, "peers=3")
	require.Contains(t, resp, "circuits=2")
}

func TestUnknownCommandErrors(t *testing.T) {
	svc := New("node-a", nil, nil)
	require.Contains(t, sendAndRecv(t, svc, "BOGUS"), "ERR")
}

func TestReplyAddressedBackToSender(t *testing.T) {
	svc := New("node-a", nil, nil)
	out := make(chan orchestrator.ServiceMessage, 1)
	msg := orchestrator.ServiceMessage{SenderID: "alice", RecipientID: ServiceID, CorrelationID: "x", Payload: []byte("PING")}
	require.NoError(t, svc.HandleMessage(context.Background(), msg, out))
	reply := <-out
	require.Equal(t, "alice", reply.RecipientID)
	require.Equal(t, ServiceID, reply.SenderID)
	require.Equal(t, "x", reply.CorrelationID)
}
