// Package transport defines the uniform listen/connect abstraction that
// every backend (tcp, tls, websocket, in-process) implements, and the
// scheme-dispatching Multi transport that routes a URI to its backend.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Connection is a live bidirectional byte-framed channel. Exactly one
// component owns a Connection at a time: initially whoever accepted or
// dialed it, then (once handed off) the connection manager.
type Connection interface {
	// LocalEndpoint is the stable URI of this end of the connection.
	LocalEndpoint() string
	// RemoteEndpoint is the URI of the remote party.
	RemoteEndpoint() string
	// Send writes one framed message. Send must be safe to call from a
	// single writer goroutine; callers must not call Send concurrently.
	Send(ctx context.Context, payload []byte) error
	// Recv blocks until one framed message arrives, ctx is done, or the
	// connection is closed.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the underlying resource. Close is idempotent.
	Close() error
}

// AcceptError distinguishes a protocol-level rejection of one inbound
// connection attempt (loggable, the listener keeps accepting) from an I/O
// failure of the listener itself (fatal, the accept loop must stop).
type AcceptError struct {
	Err      error
	Fatal    bool
	Endpoint string
}

func (e *AcceptError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport: accept on %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport: accept: %v", e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// Listener produces inbound Connections for a single bound endpoint.
type Listener interface {
	// Endpoint is the URI the listener is bound to.
	Endpoint() string
	// Accept blocks for the next inbound connection. It returns a non-nil
	// *AcceptError on failure; callers should stop calling Accept once an
	// AcceptError with Fatal set is returned.
	Accept() (Connection, *AcceptError)
	// Close stops the listener and unblocks any pending Accept.
	Close() error
}

// Transport is a single backend, selected by the multi-transport via URI
// scheme.
type Transport interface {
	// Scheme is the URI scheme this backend handles, e.g. "tcp".
	Scheme() string
	// Listen binds endpoint and returns a Listener producing inbound
	// connections.
	Listen(endpoint string) (Listener, error)
	// Connect dials endpoint and returns an established Connection.
	Connect(ctx context.Context, endpoint string) (Connection, error)
}

// Multi dispatches Listen/Connect calls to a registered Transport based on
// the scheme prefix of the endpoint URI. It is the single entry point the
// rest of the daemon uses; no component special-cases the in-process
// backend.
type Multi struct {
	backends map[string]Transport
}

// NewMulti creates an empty Multi; register backends with Register.
func NewMulti() *Multi {
	return &Multi{backends: make(map[string]Transport)}
}

// Register adds a backend for its own Scheme(). Registering the same
// scheme twice replaces the previous backend.
func (m *Multi) Register(t Transport) {
	m.backends[t.Scheme()] = t
}

func scheme(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("transport: endpoint %q has no scheme", endpoint)
	}
	return strings.ToLower(u.Scheme), nil
}

func (m *Multi) backendFor(endpoint string) (Transport, error) {
	s, err := scheme(endpoint)
	if err != nil {
		return nil, err
	}
	t, ok := m.backends[s]
	if !ok {
		return nil, fmt.Errorf("transport: no backend registered for scheme %q", s)
	}
	return t, nil
}

// Listen dispatches to the backend registered for endpoint's scheme.
func (m *Multi) Listen(endpoint string) (Listener, error) {
	t, err := m.backendFor(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Listen(endpoint)
}

// Connect dispatches to the backend registered for endpoint's scheme.
func (m *Multi) Connect(ctx context.Context, endpoint string) (Connection, error) {
	t, err := m.backendFor(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, endpoint)
}
