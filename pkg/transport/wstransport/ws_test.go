package wstransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWSTransportListenConnectRoundTrip(t *testing.T) {
	tr := New()
	ln, err := tr.Listen("ws://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		err  error
		conn interface {
			Recv(context.Context) ([]byte, error)
			Close() error
		}
	}
	accepted := make(chan result, 1)
	go func() {
		c, acceptErr := ln.Accept()
		if acceptErr != nil {
			accepted <- result{err: acceptErr}
			return
		}
		accepted <- result{conn: c}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientConn, err := tr.Connect(ctx, ln.Endpoint())
	require.NoError(t, err)
	defer clientConn.Close()
	require.NoError(t, clientConn.Send(ctx, []byte("hello-ws")))

	res := <-accepted
	require.NoError(t, res.err)
	defer res.conn.Close()

	got, err := res.conn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello-ws"), got)
}

func TestWSTransportInvalidEndpoint(t *testing.T) {
	tr := New()
	_, err := tr.Listen("not-ws")
	require.Error(t, err)
}
