// Package tlstransport implements the "tls://" transport backend: a TCP
// connection wrapped in crypto/tls, framed the same way as tcptransport.
package tlstransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/wire"
)

const defaultDialTimeout = 5 * time.Second

// Transport is the "tls://" backend. ServerConfig is used for Listen,
// ClientConfig for Connect.
type Transport struct {
	ServerConfig *tls.Config
	ClientConfig *tls.Config
	DialTimeout  time.Duration
}

// New creates a tls Transport from server and client configs. Either may be
// nil if this process only ever dials or only ever listens.
func New(serverCfg, clientCfg *tls.Config) *Transport {
	return &Transport{ServerConfig: serverCfg, ClientConfig: clientCfg, DialTimeout: defaultDialTimeout}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() string { return "tls" }

func hostPort(endpoint string) (string, error) {
	rest := strings.TrimPrefix(endpoint, "tls://")
	if rest == endpoint || rest == "" {
		return "", fmt.Errorf("tlstransport: invalid endpoint %q", endpoint)
	}
	return rest, nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(endpoint string) (transport.Listener, error) {
	if t.ServerConfig == nil {
		return nil, fmt.Errorf("tlstransport: no server config configured")
	}
	addr, err := hostPort(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", addr, t.ServerConfig)
	if err != nil {
		return nil, fmt.Errorf("tlstransport: listen %s: %w", addr, err)
	}
	return &listener{ln: ln, endpoint: "tls://" + ln.Addr().String()}, nil
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
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, t.ClientConfig)
	if err != nil {
		return nil, fmt.Errorf("tlstransport: dial %s: %w", addr, err)
	}
	return &connection{
		conn:   conn,
		local:  "tls://" + conn.LocalAddr().String(),
		remote: "tls://" + conn.RemoteAddr().String(),
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
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, &transport.AcceptError{Err: fmt.Errorf("tlstransport: accepted non-TLS connection"), Fatal: false, Endpoint: l.endpoint}
	}
	return &connection{
		conn:   tlsConn,
		local:  "tls://" + tlsConn.LocalAddr().String(),
		remote: "tls://" + tlsConn.RemoteAddr().String(),
	}, nil
}

func (l *listener) Close() error { return l.ln.Close() }

type connection struct {
	conn          *tls.Conn
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
