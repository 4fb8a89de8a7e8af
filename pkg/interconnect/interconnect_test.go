package interconnect

import (
	"context"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/connmgr"
	"github.com/arkmesh/meshd/pkg/dispatch"
	"github.com/arkmesh/meshd/pkg/mesh"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/arkmesh/meshd/pkg/wire"
	"github.com/stretchr/testify/require"
)

func connectedPair(t *testing.T) (client, server transport.Connection) {
	t.Helper()
	tr := inproctransport.New()
	ln, err := tr.Listen("inproc://ic-peer")
	require.NoError(t, err)

	accepted := make(chan transport.Connection, 1)
	go func() {
		c, acceptErr := ln.Accept()
		require.NoError(t, acceptErr)
		accepted <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err = tr.Connect(ctx, "inproc://ic-peer")
	require.NoError(t, err)
	server = <-accepted
	return client, server
}

func TestInterconnectDeliversToDispatchLoopWithResolvedIdentity(t *testing.T) {
	client, server := connectedPair(t)
	defer client.Close()

	m := mesh.New(nil, mesh.Config{}, 0)
	defer m.Shutdown()

	ingress := make(chan dispatch.DispatchEnvelope, 4)
	ic := New(nil, m, ingress)
	defer ic.Shutdown()

	connID := m.AddConnection(server)
	ic.handleEvent(connmgr.Event{ConnID: connID, Identity: "peer-x", State: connmgr.StateAuthorized})

	msg := &wire.NetworkMessage{Type: wire.NetworkMessageEcho, Payload: []byte("hello")}
	b, err := wire.EncodeMessage(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, b))

	select {
	case env := <-ingress:
		require.Equal(t, "peer-x", env.SourcePeerID)
		require.Equal(t, uint16(wire.NetworkMessageEcho), env.MessageType)
		require.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered envelope")
	}
}

func TestInterconnectSendResolvesPeerToConnection(t *testing.T) {
	client, server := connectedPair(t)
	defer server.Close()

	m := mesh.New(nil, mesh.Config{}, 0)
	defer m.Shutdown()

	ingress := make(chan dispatch.DispatchEnvelope, 4)
	ic := New(nil, m, ingress)
	defer ic.Shutdown()

	connID := m.AddConnection(client)
	ic.handleEvent(connmgr.Event{ConnID: connID, Identity: "peer-y", State: connmgr.StateAuthorized})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ic.Send(ctx, "peer-y", []byte("direct")))

	got, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("direct"), got)
}

func TestInterconnectSendUnknownPeerErrors(t *testing.T) {
	m := mesh.New(nil, mesh.Config{}, 0)
	defer m.Shutdown()

	ic := New(nil, m, make(chan dispatch.DispatchEnvelope, 1))
	defer ic.Shutdown()

	err := ic.Send(context.Background(), "nobody", []byte("x"))
	require.Error(t, err)
}
