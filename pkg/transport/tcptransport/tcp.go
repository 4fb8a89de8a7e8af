// Package tcptransport implements the "tcp://" transport backend: a plain
// net.Conn framed with wire.ReadFrame/WriteFrame.
package tcptransport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/wire"
)

// defaultDialTimeout bounds a single outbound dial when
// Transport.DialTimeout is zero. The teacher's connmgr.Dial used a fixed
// 1-second timeout; here it is the configurable DialTimeout field.
const defaultDialTimeout = 5 * time.Second

// Transport is the "tcp://" backend.
type Transport struct {
	DialTimeout time.Duration
}

// New creates a tcp Transport with the default dial timeout.
func New() *Transport {
	return &Transport{DialTimeout: defaultDialTimeout}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() string { return "tcp" }

func hostPort(endpoint string) (string, error) {
	rest := strings.TrimPrefix(endpoint, "tcp://")
	if rest == endpoint || rest == "" {
		return "", fmt.Errorf("tcptransport: invalid endpoint %q", endpoint)
	}
	return rest, nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(endpoint string) (transport.Listener, error) {
	addr, err := hostPort(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcptransport: listen %s: %w", addr, err)
	}
	return &listener{ln: ln, endpoint: "tcp://" + ln.Addr().String()}, nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	addr, err := hostPort(endpoint)
	if err != nil {
		return nil, err
	}
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("tcptransport: dial %s: %w", addr, err)
	}
	return &connection{
		conn:   conn,
		local:  "tcp://" + conn.LocalAddr().String(),
		remote: "tcp://" + conn.RemoteAddr().String(),
	}, nil
}

type listener struct {
	ln       net.Listener
	endpoint string
}

func (l *listener) Endpoint() string { return l.endpoint }

func (l *listener) Accept() (transport.Connection, *transport.AcceptError) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, &transport.AcceptError{Err: err, Fatal: true, Endpoint: l.endpoint}
	}
	return &connection{
		conn:   conn,
		local:  "tcp://" + conn.LocalAddr().String(),
		remote: "tcp://" + conn.RemoteAddr().String(),
	}, nil
}

func (l *listener) Close() error { return l.ln.Close() }

type connection struct {
	conn         net.Conn
	local, remote string
}

func (c *connection) LocalEndpoint() string  { return c.local }
func (c *connection) RemoteEndpoint() string { return c.remote }

func (c *connection) Send(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return wire.WriteRawFrame(c.conn, payload)
}

func (c *connection) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return wire.ReadRawFrame(c.conn)
}

func (c *connection) Close() error { return c.conn.Close() }
