// Package wstransport implements the "ws://" transport backend on top of
// gorilla/websocket, one binary message per Send/Recv.
package wstransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/gorilla/websocket"
)

const defaultDialTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport is the "ws://" backend.
type Transport struct {
	DialTimeout time.Duration
}

// New creates a ws Transport with the default dial timeout.
func New() *Transport {
	return &Transport{DialTimeout: defaultDialTimeout}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() string { return "ws" }

func hostPort(endpoint string) (string, error) {
	rest := strings.TrimPrefix(endpoint, "ws://")
	if rest == endpoint || rest == "" {
		return "", fmt.Errorf("wstransport: invalid endpoint %q", endpoint)
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
		return nil, fmt.Errorf("wstransport: listen %s: %w", addr, err)
	}
	l := &listener{
		ln:       ln,
		endpoint: "ws://" + ln.Addr().String(),
		acceptCh: make(chan acceptResult),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.server = &http.Server{Handler: mux}
	go func() {
		_ = l.server.Serve(ln)
	}()
	return l, nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	addr, err := hostPort(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: t.DialTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = defaultDialTimeout
	}
	url := "ws://" + addr + "/"
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", addr, err)
	}
	return &connection{
		conn:   c,
		local:  "ws://" + c.LocalAddr().String(),
		remote: url,
	}, nil
}

type acceptResult struct {
	conn *connection
	err  error
}

type listener struct {
	ln       net.Listener
	endpoint string
	server   *http.Server
	acceptCh chan acceptResult
	done     chan struct{}
}

func (l *listener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		select {
		case l.acceptCh <- acceptResult{err: err}:
		case <-l.done:
		}
		return
	}
	select {
	case l.acceptCh <- acceptResult{conn: &connection{
		conn:   c,
		local:  l.endpoint,
		remote: "ws://" + c.RemoteAddr().String(),
	}}:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *listener) Endpoint() string { return l.endpoint }

func (l *listener) Accept() (transport.Connection, *transport.AcceptError) {
	select {
	case res := <-l.acceptCh:
		if res.err != nil {
			return nil, &transport.AcceptError{Err: res.err, Fatal: false, Endpoint: l.endpoint}
		}
		return res.conn, nil
	case <-l.done:
		return nil, &transport.AcceptError{Err: fmt.Errorf("wstransport: listener closed"), Fatal: true, Endpoint: l.endpoint}
	}
}

func (l *listener) Close() error {
	err := l.server.Close()
	close(l.done)
	return err
}

type connection struct {
	conn          *websocket.Conn
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
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *connection) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (c *connection) Close() error { return c.conn.Close() }
