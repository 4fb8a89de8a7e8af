// Package inproctransport implements the "inproc://" transport backend: an
// in-memory channel pair with no network I/O, reached through the same
// transport.Multi scheme dispatch as every other backend. The daemon's
// admin service, orchestrator and health service do not listen on inproc
// endpoints: the orchestrator hosts them over in-memory Go channels, and
// an inproc endpoint exists only where one is listed in the configuration.
package inproctransport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arkmesh/meshd/pkg/transport"
)

const queueDepth = 64

// Transport is the "inproc://" backend. A single Transport instance must be
// shared by every component that needs to Listen or Connect to in-process
// names; Register binds a name before anyone can Connect to it.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// New creates an empty in-process Transport.
func New() *Transport {
	return &Transport{listeners: make(map[string]*listener)}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() string { return "inproc" }

func name(endpoint string) (string, error) {
	n := strings.TrimPrefix(endpoint, "inproc://")
	if n == endpoint || n == "" {
		return "", fmt.Errorf("inproctransport: invalid endpoint %q", endpoint)
	}
	return n, nil
}

// Listen registers endpoint as an in-process name. Only one listener may
// exist per name at a time.
func (t *Transport) Listen(endpoint string) (transport.Listener, error) {
	n, err := name(endpoint)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[n]; exists {
		return nil, fmt.Errorf("inproctransport: %q already listening", endpoint)
	}
	l := &listener{
		t:        t,
		name:     n,
		endpoint: endpoint,
		acceptCh: make(chan transport.Connection),
		done:     make(chan struct{}),
	}
	t.listeners[n] = l
	return l, nil
}

// Connect dials a name previously bound with Listen. It blocks until the
// accept side takes the connection or ctx is done.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	n, err := name(endpoint)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	l, ok := t.listeners[n]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inproctransport: no listener for %q", endpoint)
	}

	clientSide, serverSide := newPipe(endpoint, l.endpoint)
	select {
	case l.acceptCh <- serverSide:
		return clientSide, nil
	case <-l.done:
		return nil, fmt.Errorf("inproctransport: %q closed", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) unregister(n string) {
	t.mu.Lock()
	delete(t.listeners, n)
	t.mu.Unlock()
}

type listener struct {
	t        *Transport
	name     string
	endpoint string
	acceptCh chan transport.Connection
	done     chan struct{}
	closeOne sync.Once
}

func (l *listener) Endpoint() string { return l.endpoint }

func (l *listener) Accept() (transport.Connection, *transport.AcceptError) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.done:
		return nil, &transport.AcceptError{Err: fmt.Errorf("inproctransport: listener closed"), Fatal: true, Endpoint: l.endpoint}
	}
}

func (l *listener) Close() error {
	l.closeOne.Do(func() {
		close(l.done)
		l.t.unregister(l.name)
	})
	return nil
}

// pipeEnd is one side of an in-memory connection pair. Both ends share a
// closeState so that either side closing tears down the whole pipe exactly
// once, mirroring net.Pipe semantics.
type pipeEnd struct {
	local, remote string
	recvCh        chan []byte
	sendCh        chan []byte
	state         *closeState
}

type closeState struct {
	closed chan struct{}
	once   sync.Once
}

func newPipe(clientEndpoint, serverEndpoint string) (client, server *pipeEnd) {
	aToB := make(chan []byte, queueDepth)
	bToA := make(chan []byte, queueDepth)
	state := &closeState{closed: make(chan struct{})}
	client = &pipeEnd{local: clientEndpoint, remote: serverEndpoint, sendCh: aToB, recvCh: bToA, state: state}
	server = &pipeEnd{local: serverEndpoint, remote: clientEndpoint, sendCh: bToA, recvCh: aToB, state: state}
	return client, server
}

func (p *pipeEnd) LocalEndpoint() string  { return p.local }
func (p *pipeEnd) RemoteEndpoint() string { return p.remote }

func (p *pipeEnd) Send(ctx context.Context, payload []byte) error {
	select {
	case p.sendCh <- payload:
		return nil
	case <-p.state.closed:
		return fmt.Errorf("inproctransport: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-p.recvCh:
		return payload, nil
	case <-p.state.closed:
		return nil, fmt.Errorf("inproctransport: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
