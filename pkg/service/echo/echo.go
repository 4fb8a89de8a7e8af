// Package echo implements a minimal reference orchestrator.Service that
// bounces every inbound message back to its sender, used to exercise the
// orchestrator end to end.
package echo

import (
	"context"

	"github.com/arkmesh/meshd/pkg/orchestrator"
)

// Service echoes every message it receives back to the original sender.
type Service struct{}

var (
	_ orchestrator.Service        = (*Service)(nil)
	_ orchestrator.ServiceFactory = Factory{}
)

// HandleMessage implements orchestrator.Service.
func (Service) HandleMessage(_ context.Context, msg orchestrator.ServiceMessage, out chan<- orchestrator.ServiceMessage) error {
	reply := orchestrator.ServiceMessage{
		CircuitID:     msg.CircuitID,
		SenderID:      msg.RecipientID,
		RecipientID:   msg.SenderID,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
	}
	out <- reply
	return nil
}

// Close implements orchestrator.Service.
func (Service) Close() error { return nil }

// Factory constructs echo Services, ignoring ServiceDef.Config.
type Factory struct{}

// Create implements orchestrator.ServiceFactory.
func (Factory) Create(orchestrator.ServiceDef) (orchestrator.Service, error) {
	return Service{}, nil
}
