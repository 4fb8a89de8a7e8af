// Package interconnect glues the Mesh to the network dispatch loop: it
// pumps Mesh.Receive() into the dispatch loop's ingress channel, and
// implements dispatch.Sender so handlers can address replies by peer
// identity rather than by raw connection id.
package interconnect

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkmesh/meshd/pkg/connmgr"
	"github.com/arkmesh/meshd/pkg/dispatch"
	"github.com/arkmesh/meshd/pkg/mesh"
	"github.com/arkmesh/meshd/pkg/wire"
	"go.uber.org/zap"
)

// Interconnect binds a Mesh to a network DispatchLoop's ingress channel,
// keyed on peer identity rather than connmgr.ConnectionID.
type Interconnect struct {
	log    *zap.Logger
	mesh   *mesh.Mesh
	ingress chan<- dispatch.DispatchEnvelope

	mu          sync.RWMutex
	connByPeer  map[string]mesh.ConnectionID
	peerByConn  map[mesh.ConnectionID]string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates an Interconnect pumping m's aggregated receive queue into
// ingress (typically a NetworkDispatchLoop's NewDispatcherSender()).
func New(log *zap.Logger, m *mesh.Mesh, ingress chan<- dispatch.DispatchEnvelope) *Interconnect {
	if log == nil {
		log = zap.NewNop()
	}
	ic := &Interconnect{
		log:        log,
		mesh:       m,
		ingress:    ingress,
		connByPeer: make(map[string]mesh.ConnectionID),
		peerByConn: make(map[mesh.ConnectionID]string),
		done:       make(chan struct{}),
	}
	ic.wg.Add(1)
	go ic.pump()
	return ic
}

// WatchConnmgr subscribes to connection-manager events to keep the
// identity<->connection-id binding current as connections authorize and
// fail.
func (ic *Interconnect) WatchConnmgr(events <-chan connmgr.Event) {
	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				ic.handleEvent(e)
			case <-ic.done:
				return
			}
		}
	}()
}

func (ic *Interconnect) handleEvent(e connmgr.Event) {
	switch e.State {
	case connmgr.StateAuthorized:
		if e.Identity == "" {
			return
		}
		ic.mu.Lock()
		ic.connByPeer[e.Identity] = e.ConnID
		ic.peerByConn[e.ConnID] = e.Identity
		ic.mu.Unlock()
	case connmgr.StateFailed, connmgr.StateClosed, connmgr.StateDisconnected:
		ic.mu.Lock()
		if identity, ok := ic.peerByConn[e.ConnID]; ok {
			delete(ic.peerByConn, e.ConnID)
			delete(ic.connByPeer, identity)
		}
		ic.mu.Unlock()
	}
}

// Send implements dispatch.Sender: it resolves peerID to a connection id
// and enqueues payload with the Mesh.
func (ic *Interconnect) Send(ctx context.Context, peerID string, payload []byte) error {
	ic.mu.RLock()
	connID, ok := ic.connByPeer[peerID]
	ic.mu.RUnlock()
	if !ok {
		return fmt.Errorf("interconnect: no connection known for peer %q", peerID)
	}
	return ic.mesh.Send(ctx, connID, payload)
}

func (ic *Interconnect) pump() {
	defer ic.wg.Done()
	for {
		select {
		case env, ok := <-ic.mesh.Receive():
			if !ok {
				return
			}
			ic.deliver(env)
		case <-ic.done:
			return
		}
	}
}

func (ic *Interconnect) deliver(env mesh.Envelope) {
	msg := &wire.NetworkMessage{}
	if err := wire.DecodeMessage(env.Payload, msg); err != nil {
		ic.log.Warn("dropping malformed frame", zap.String("connection_id", env.ConnID.String()), zap.Error(err))
		return
	}

	ic.mu.RLock()
	identity, known := ic.peerByConn[env.ConnID]
	ic.mu.RUnlock()
	if !known {
		identity = env.ConnID.String()
	}

	de := dispatch.DispatchEnvelope{
		MessageType:  uint16(msg.Type),
		SourcePeerID: identity,
		Payload:      msg.Payload,
	}
	select {
	case ic.ingress <- de:
	case <-ic.done:
	}
}

// Shutdown stops the pump and event-watching goroutines. Idempotent.
func (ic *Interconnect) Shutdown() {
	ic.once.Do(func() { close(ic.done) })
	ic.wg.Wait()
}
