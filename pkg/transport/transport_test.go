package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	scheme    string
	listens   []string
	connects  []string
	listenErr error
	connErr   error
}

func (f *fakeTransport) Scheme() string { return f.scheme }

func (f *fakeTransport) Listen(endpoint string) (Listener, error) {
	f.listens = append(f.listens, endpoint)
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	return &fakeListener{endpoint: endpoint}, nil
}

func (f *fakeTransport) Connect(_ context.Context, endpoint string) (Connection, error) {
	f.connects = append(f.connects, endpoint)
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &fakeConnection{local: "fake://local", remote: endpoint}, nil
}

type fakeListener struct{ endpoint string }

func (l *fakeListener) Endpoint() string                 { return l.endpoint }
func (l *fakeListener) Accept() (Connection, *AcceptError) { return nil, &AcceptError{Fatal: true} }
func (l *fakeListener) Close() error                      { return nil }

type fakeConnection struct{ local, remote string }

func (c *fakeConnection) LocalEndpoint() string  { return c.local }
func (c *fakeConnection) RemoteEndpoint() string { return c.remote }
func (c *fakeConnection) Send(context.Context, []byte) error { return nil }
func (c *fakeConnection) Recv(context.Context) ([]byte, error) { return nil, nil }
func (c *fakeConnection) Close() error { return nil }

func TestMultiDispatchesByScheme(t *testing.T) {
	m := NewMulti()
	fake := &fakeTransport{scheme: "fake"}
	m.Register(fake)

	conn, err := m.Connect(context.Background(), "fake://peer-a")
	require.NoError(t, err)
	require.Equal(t, "fake://peer-a", conn.RemoteEndpoint())
	require.Equal(t, []string{"fake://peer-a"}, fake.connects)
}

func TestMultiUnknownSchemeErrors(t *testing.T) {
	m := NewMulti()
	_, err := m.Connect(context.Background(), "tcp://127.0.0.1:9000")
	require.Error(t, err)
}

func TestMultiInvalidEndpointErrors(t *testing.T) {
	m := NewMulti()
	_, err := m.Listen("not-a-uri")
	require.Error(t, err)
}

func TestMultiListenRoutesToBackend(t *testing.T) {
	m := NewMulti()
	fake := &fakeTransport{scheme: "fake"}
	m.Register(fake)

	l, err := m.Listen("fake://0.0.0.0:1")
	require.NoError(t, err)
	require.Equal(t, "fake://0.0.0.0:1", l.Endpoint())
	require.Equal(t, []string{"fake://0.0.0.0:1"}, fake.listens)
}
