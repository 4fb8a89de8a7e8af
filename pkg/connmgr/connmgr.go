// Package connmgr owns the lifetime of every Connection after it is
// accepted or dialed, running the authorization handshake and a periodic
// heartbeat on each authorized connection. Adapted from the teacher's
// pkg/connmgr action-loop technique (a single actionch chan func() serializes
// all state mutations instead of a mutex), generalized from a NEO-specific
// pending/connected address map into the spec's richer per-connection state
// machine.
package connmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arkmesh/meshd/internal/metrics"
	"github.com/arkmesh/meshd/pkg/auth"
	"github.com/arkmesh/meshd/pkg/mesh"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/wire"
	"go.uber.org/zap"
)

// ConnectionID aliases mesh's connection identifier.
type ConnectionID = mesh.ConnectionID

// heartbeatFailureMultiplier is fixed at 3, not itself configurable: a
// connection is marked FAILED once no traffic has been seen for
// 3 * HeartbeatInterval.
const heartbeatFailureMultiplier = 3

const defaultActionQueueDepth = 300

// Config tunes the connection manager's heartbeat cadence.
type Config struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return c
}

type managedConn struct {
	endpoint string
	scheme   string
	identity string
	connID   ConnectionID
	state    State
	lastSeen time.Time
	cancel   context.CancelFunc
}

// Manager owns every Connection's authorization handshake and lifecycle.
type Manager struct {
	cfg         Config
	log         *zap.Logger
	transports  *transport.Multi
	authorizers *auth.Registry
	mesh        *mesh.Mesh

	actionCh chan func()

	mu    sync.RWMutex
	conns map[string]*managedConn

	subMu sync.Mutex
	subs  []chan Event

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New creates a Manager. transports resolves outbound dials and supplies
// the scheme used for inbound connections; authorizers runs the handshake
// per scheme; mesh is where authorized connections are registered for I/O.
func New(cfg Config, log *zap.Logger, transports *transport.Multi, authorizers *auth.Registry, m *mesh.Mesh) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	mgr := &Manager{
		cfg:         cfg.withDefaults(),
		log:         log,
		transports:  transports,
		authorizers: authorizers,
		mesh:        m,
		actionCh:    make(chan func(), defaultActionQueueDepth),
		conns:       make(map[string]*managedConn),
		done:        make(chan struct{}),
	}
	mgr.wg.Add(2)
	go mgr.actionLoop()
	go mgr.heartbeatLoop()
	return mgr
}

func (m *Manager) actionLoop() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.actionCh:
			f()
		case <-m.done:
			return
		}
	}
}

func schemeOf(endpoint string) string {
	i := strings.Index(endpoint, "://")
	if i < 0 {
		return ""
	}
	return endpoint[:i]
}

// AddInbound takes a freshly accepted Connection and runs the handshake
// asynchronously, promoting it to AUTHORIZED on success.
func (m *Manager) AddInbound(conn transport.Connection, scheme string) {
	endpoint := conn.RemoteEndpoint()
	m.track(endpoint, scheme)
	go m.authorize(conn, endpoint, scheme)
}

// RequestOutbound dials endpointURI and runs the handshake once connected.
func (m *Manager) RequestOutbound(ctx context.Context, endpointURI string) error {
	scheme := schemeOf(endpointURI)
	conn, err := m.transports.Connect(ctx, endpointURI)
	if err != nil {
		return fmt.Errorf("connmgr: dialing %q: %w", endpointURI, err)
	}
	m.track(endpointURI, scheme)
	go m.authorize(conn, endpointURI, scheme)
	return nil
}

func (m *Manager) track(endpoint, scheme string) {
	errCh := make(chan struct{})
	m.actionCh <- func() {
		m.conns[endpoint] = &managedConn{endpoint: endpoint, scheme: scheme, state: StateNew, lastSeen: time.Now()}
		close(errCh)
	}
	<-errCh
}

func (m *Manager) authorize(conn transport.Connection, endpoint, scheme string) {
	m.setState(endpoint, StateAuthorizing, nil)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	ic, err := m.authorizers.Authorize(ctx, scheme, conn, endpoint)
	if err != nil {
		m.log.Warn("handshake failed", zap.String("endpoint", endpoint), zap.Error(err))
		_ = conn.Close()
		m.setState(endpoint, StateFailed, err)
		return
	}

	connID := m.mesh.AddConnection(ic.Connection)

	done := make(chan struct{})
	m.actionCh <- func() {
		if mc, ok := m.conns[endpoint]; ok {
			mc.connID = connID
			mc.identity = ic.Identity
			mc.state = StateAuthorized
			mc.lastSeen = time.Now()
		}
		close(done)
	}
	<-done

	m.notify(Event{Endpoint: endpoint, ConnID: connID, Identity: ic.Identity, State: StateAuthorized})
}

func (m *Manager) setState(endpoint string, s State, cause error) {
	var connID ConnectionID
	var identity string
	done := make(chan struct{})
	m.actionCh <- func() {
		if mc, ok := m.conns[endpoint]; ok {
			mc.state = s
			connID = mc.connID
			identity = mc.identity
		}
		close(done)
	}
	<-done
	m.notify(Event{Endpoint: endpoint, ConnID: connID, Identity: identity, State: s, Cause: cause})
}

// Remove tears down the connection tracked under endpoint and removes it
// from the manager.
func (m *Manager) Remove(endpoint string) {
	var connID ConnectionID
	var hadConn bool
	done := make(chan struct{})
	m.actionCh <- func() {
		if mc, ok := m.conns[endpoint]; ok {
			connID = mc.connID
			hadConn = mc.state == StateAuthorized
			delete(m.conns, endpoint)
		}
		close(done)
	}
	<-done
	if hadConn {
		m.mesh.Remove(connID)
	}
	m.notify(Event{Endpoint: endpoint, ConnID: connID, State: StateClosed})
}

// Subscribe returns a channel of state-change notifications. The channel is
// closed when the Manager shuts down.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) notify(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			m.log.Warn("subscriber channel full, dropping event", zap.String("endpoint", e.Endpoint))
		}
	}
}

// Touch records that traffic was observed on the connection tracked under
// endpoint, resetting its heartbeat failure clock.
func (m *Manager) Touch(endpoint string) {
	m.actionCh <- func() {
		if mc, ok := m.conns[endpoint]; ok {
			mc.lastSeen = time.Now()
		}
	}
}

// TouchIdentity is Touch keyed by the peer identity established during
// authorization rather than by endpoint, for callers (the network dispatch
// handlers) that only see a dispatch envelope's SourcePeerID.
func (m *Manager) TouchIdentity(identity string) {
	if identity == "" {
		return
	}
	m.actionCh <- func() {
		for _, mc := range m.conns {
			if mc.identity == identity {
				mc.lastSeen = time.Now()
				return
			}
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tickHeartbeats()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) tickHeartbeats() {
	type target struct {
		endpoint string
		connID   ConnectionID
	}
	var alive []target
	var failedEndpoints []string

	now := time.Now()
	threshold := time.Duration(heartbeatFailureMultiplier) * m.cfg.HeartbeatInterval

	done := make(chan struct{})
	m.actionCh <- func() {
		for endpoint, mc := range m.conns {
			if mc.state != StateAuthorized {
				continue
			}
			if now.Sub(mc.lastSeen) > threshold {
				mc.state = StateFailed
				failedEndpoints = append(failedEndpoints, endpoint)
				continue
			}
			alive = append(alive, target{endpoint: endpoint, connID: mc.connID})
		}
		close(done)
	}
	<-done

	heartbeat := &wire.NetworkMessage{Type: wire.NetworkMessageHeartbeat}
	b, err := wire.EncodeMessage(heartbeat)
	if err != nil {
		m.log.Error("encoding heartbeat", zap.Error(err))
		return
	}
	for _, t := range alive {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		if err := m.mesh.Send(ctx, t.connID, b); err != nil {
			m.log.Debug("heartbeat send failed", zap.String("endpoint", t.endpoint), zap.Error(err))
		}
		cancel()
	}
	for _, endpoint := range failedEndpoints {
		m.log.Warn("connection failed heartbeat, marking FAILED", zap.String("endpoint", endpoint))
		metrics.IncHeartbeatFailure(endpoint)
		m.notify(Event{Endpoint: endpoint, State: StateFailed})
	}
}

// Shutdown stops the action loop and heartbeat loop and closes every
// subscriber channel. Idempotent and safe from any goroutine.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.subMu.Lock()
		for _, ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.subMu.Unlock()
	})
}
