// Package health implements a second in-process reference service,
// distinct from the admin service, used as a smoke-test target: it
// answers a ping and reports peer/circuit counts.
package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/routing"
)

// ServiceID is the well-known orchestrator service identifier health
// messages are addressed to.
const ServiceID = "health-service"

// PeerCounter reports the number of distinct peers currently tracked,
// satisfied by *peermgr.Manager.
type PeerCounter interface {
	PeerCount() int
}

// Service answers PING and STATS commands over ServiceMessage traffic.
type Service struct {
	nodeID string
	peers  PeerCounter
	table  routing.Reader
}

var (
	_ orchestrator.Service        = (*Service)(nil)
	_ orchestrator.ServiceFactory = Factory{}
)

// New creates a health Service reporting on behalf of nodeID.
func New(nodeID string, peers PeerCounter, table routing.Reader) *Service {
	return &Service{nodeID: nodeID, peers: peers, table: table}
}

// HandleMessage implements orchestrator.Service.
func (s *Service) HandleMessage(_ context.Context, msg orchestrator.ServiceMessage, out chan<- orchestrator.ServiceMessage) error {
	out <- orchestrator.ServiceMessage{
		CircuitID:     msg.CircuitID,
		SenderID:      msg.RecipientID,
		RecipientID:   msg.SenderID,
		CorrelationID: msg.CorrelationID,
		Payload:       []byte(s.apply(string(msg.Payload))),
	}
	return nil
}

func (s *Service) apply(cmd string) string {
	switch strings.ToUpper(strings.TrimSpace(cmd)) {
	case "PING":
		return "PONG"
	case "STATS":
		peerCount := 0
		if s.peers != nil {
			peerCount = s.peers.PeerCount()
		}
		circuitCount := 0
		if s.table != nil {
			circuitCount = len(s.table.Snapshot())
		}
		return fmt.Sprintf("node=%s peers=%d circuits=%d", s.nodeID, peerCount, circuitCount)
	default:
		return fmt.Sprintf("ERR unknown command %q", cmd)
	}
}

// Close implements orchestrator.Service.
func (s *Service) Close() error { return nil }

// Factory constructs the health Service bound to the daemon's peer manager
// and routing table.
type Factory struct {
	NodeID string
	Peers  PeerCounter
	Table  routing.Reader
}

// Create implements orchestrator.ServiceFactory.
func (f Factory) Create(orchestrator.ServiceDef) (orchestrator.Service, error) {
	return New(f.NodeID, f.Peers, f.Table), nil
}
