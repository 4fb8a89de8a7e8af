package tcptransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPTransportListenConnectRoundTrip(t *testing.T) {
	tr := New()
	ln, err := tr.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan error, 1)
	var serverConn interface {
		Recv(context.Context) ([]byte, error)
		Send(context.Context, []byte) error
		Close() error
	}
	go func() {
		c, acceptErr := ln.Accept()
		if acceptErr != nil {
			accepted <- acceptErr
			return
		}
		serverConn = c
		accepted <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientConn, err := tr.Connect(ctx, ln.Endpoint())
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, <-accepted)
	defer serverConn.Close()

	require.NoError(t, clientConn.Send(ctx, []byte("ping")))
	got, err := serverConn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func TestTCPTransportConnectRefused(t *testing.T) {
	tr := New()
	tr.DialTimeout = 200 * time.Millisecond
	_, err := tr.Connect(context.Background(), "tcp://127.0.0.1:1")
	require.Error(t, err)
}

func TestTCPTransportInvalidEndpoint(t *testing.T) {
	tr := New()
	_, err := tr.Listen("not-tcp")
	require.Error(t, err)
}
