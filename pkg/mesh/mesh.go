// Package mesh implements the process-wide many-to-many fan-in/fan-out of
// framed messages across every live connection. It is the single
// concurrent I/O substrate: one reader and one writer goroutine per
// connection, an aggregated receive queue, and per-connection bounded send
// queues, mirroring the one-goroutine-per-peer register/unregister pattern
// the teacher's network server uses for its peer set.
package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionID uniquely identifies a connection registered with a Mesh.
type ConnectionID = uuid.UUID

// Envelope is the uniform (connection_id, payload) tuple used for both
// sending and receiving.
type Envelope struct {
	ConnID  ConnectionID
	Payload []byte
}

const (
	defaultIncomingCapacity = 256
	defaultOutgoingCapacity = 256
)

// ErrGone is returned by Send when the connection id is not (or is no
// longer) registered with the Mesh.
var ErrGone = fmt.Errorf("mesh: connection gone")

// Config tunes the bounded per-connection queues.
type Config struct {
	IncomingCapacity int
	OutgoingCapacity int
}

func (c Config) withDefaults() Config {
	if c.IncomingCapacity <= 0 {
		c.IncomingCapacity = defaultIncomingCapacity
	}
	if c.OutgoingCapacity <= 0 {
		c.OutgoingCapacity = defaultOutgoingCapacity
	}
	return c
}

// Mesh aggregates every live Connection behind a single receive queue and a
// send-by-connection-id interface.
type Mesh struct {
	log    *zap.Logger
	cfg    Config
	recvCh chan Envelope

	mu    sync.RWMutex
	conns map[ConnectionID]*connState

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type connState struct {
	id     ConnectionID
	conn   transport.Connection
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (cs *connState) closeDone() {
	cs.once.Do(func() { close(cs.done) })
}

// New creates an empty Mesh. recvCapacity bounds the aggregated receive
// queue; zero selects a sensible default.
func New(log *zap.Logger, cfg Config, recvCapacity int) *Mesh {
	if log == nil {
		log = zap.NewNop()
	}
	if recvCapacity <= 0 {
		recvCapacity = defaultIncomingCapacity
	}
	return &Mesh{
		log:    log,
		cfg:    cfg.withDefaults(),
		recvCh: make(chan Envelope, recvCapacity),
		conns:  make(map[ConnectionID]*connState),
		closed: make(chan struct{}),
	}
}

// AddConnection registers conn with the Mesh and starts its reader and
// writer goroutines, returning the id new traffic will be addressed by.
func (m *Mesh) AddConnection(conn transport.Connection) ConnectionID {
	id := uuid.New()
	cs := &connState{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, m.cfg.OutgoingCapacity),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[id] = cs
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(cs)
	go m.writeLoop(cs)

	m.log.Debug("connection registered",
		zap.String("connection_id", id.String()),
		zap.String("remote", conn.RemoteEndpoint()))
	return id
}

// Remove tears down the connection registered under id, closing its
// underlying transport.Connection and stopping its goroutines.
func (m *Mesh) Remove(id ConnectionID) {
	m.mu.Lock()
	cs, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.closeDone()
	_ = cs.conn.Close()
}

// Send enqueues payload for delivery to id, blocking until the per-connection
// outgoing queue has room, the connection closes, or ctx is done. It fails
// with ErrGone if id is unknown.
func (m *Mesh) Send(ctx context.Context, id ConnectionID, payload []byte) error {
	m.mu.RLock()
	cs, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return ErrGone
	}

	select {
	case cs.sendCh <- payload:
		return nil
	case <-cs.done:
		return ErrGone
	case <-m.closed:
		return ErrGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the aggregated stream of inbound envelopes. Per
// connection, FIFO order is preserved; no ordering across connections is
// guaranteed.
func (m *Mesh) Receive() <-chan Envelope {
	return m.recvCh
}

// Shutdown stops every connection's goroutines and closes the aggregated
// receive queue. It is idempotent and safe to call from any goroutine.
func (m *Mesh) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		conns := make([]*connState, 0, len(m.conns))
		for id, cs := range m.conns {
			conns = append(conns, cs)
			delete(m.conns, id)
		}
		m.mu.Unlock()
		for _, cs := range conns {
			cs.closeDone()
			_ = cs.conn.Close()
		}
		m.wg.Wait()
		close(m.recvCh)
	})
}

func (m *Mesh) readLoop(cs *connState) {
	defer m.wg.Done()
	for {
		select {
		case <-cs.done:
			return
		default:
		}

		payload, err := cs.conn.Recv(context.Background())
		if err != nil {
			m.log.Debug("connection read failed, deregistering",
				zap.String("connection_id", cs.id.String()), zap.Error(err))
			m.Remove(cs.id)
			return
		}

		env := Envelope{ConnID: cs.id, Payload: payload}
		select {
		case m.recvCh <- env:
		case <-cs.done:
			return
		case <-m.closed:
			return
		}
	}
}

func (m *Mesh) writeLoop(cs *connState) {
	defer m.wg.Done()
	for {
		select {
		case payload := <-cs.sendCh:
			if err := cs.conn.Send(context.Background(), payload); err != nil {
				m.log.Debug("connection write failed, deregistering",
					zap.String("connection_id", cs.id.String()), zap.Error(err))
				m.Remove(cs.id)
				return
			}
		case <-cs.done:
			return
		case <-m.closed:
			return
		}
	}
}
