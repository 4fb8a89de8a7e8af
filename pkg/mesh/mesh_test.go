package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/stretchr/testify/require"
)

func connectedPair(t *testing.T) (a, b transport.Connection) {
	t.Helper()
	tr := inproctransport.New()
	ln, err := tr.Listen("inproc://peer")
	require.NoError(t, err)

	type acceptResult struct {
		conn transport.Connection
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, acceptErr := ln.Accept()
		if acceptErr != nil {
			accepted <- acceptResult{err: acceptErr}
			return
		}
		accepted <- acceptResult{conn: c}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := tr.Connect(ctx, "inproc://peer")
	require.NoError(t, err)

	res := <-accepted
	require.NoError(t, res.err)
	return client, res.conn
}

func TestMeshSendReceiveRoundTrip(t *testing.T) {
	client, server := connectedPair(t)

	m := New(nil, Config{}, 0)
	defer m.Shutdown()

	serverID := m.AddConnection(server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, []byte("ping")))

	select {
	case env := <-m.Receive():
		require.Equal(t, serverID, env.ConnID)
		require.Equal(t, []byte("ping"), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	require.NoError(t, m.Send(ctx, serverID, []byte("pong")))
	got, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), got)
}

func TestMeshSendToUnknownIDFails(t *testing.T) {
	m := New(nil, Config{}, 0)
	defer m.Shutdown()

	err := m.Send(context.Background(), ConnectionID{}, []byte("x"))
	require.ErrorIs(t, err, ErrGone)
}

func TestMeshRemoveStopsDelivery(t *testing.T) {
	client, server := connectedPair(t)

	m := New(nil, Config{}, 0)
	defer m.Shutdown()

	id := m.AddConnection(server)
	m.Remove(id)

	err := m.Send(context.Background(), id, []byte("x"))
	require.ErrorIs(t, err, ErrGone)

	_ = client.Close()
}

func TestMeshShutdownClosesReceive(t *testing.T) {
	_, server := connectedPair(t)

	m := New(nil, Config{}, 0)
	m.AddConnection(server)
	m.Shutdown()

	_, ok := <-m.Receive()
	require.False(t, ok)
}
