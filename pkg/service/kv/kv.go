// Package kv implements a minimal reference orchestrator.Service backed by
// an in-memory key-value store, addressed with a tiny text protocol of one
// space-separated command per message ("GET key", "SET key value",
// "DEL key").
package kv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arkmesh/meshd/pkg/orchestrator"
)

// Service is an in-memory, circuit-scoped key-value store.
type Service struct {
	mu    sync.RWMutex
	store map[string]string
}

var (
	_ orchestrator.Service        = (*Service)(nil)
	_ orchestrator.ServiceFactory = Factory{}
)

// New creates an empty kv Service.
func New() *Service {
	return &Service{store: make(map[string]string)}
}

// HandleMessage implements orchestrator.Service.
func (s *Service) HandleMessage(_ context.Context, msg orchestrator.ServiceMessage, out chan<- orchestrator.ServiceMessage) error {
	resp := s.apply(string(msg.Payload))
	out <- orchestrator.ServiceMessage{
		CircuitID:     msg.CircuitID,
		SenderID:      msg.RecipientID,
		RecipientID:   msg.SenderID,
		CorrelationID: msg.CorrelationID,
		Payload:       []byte(resp),
	}
	return nil
}

func (s *Service) apply(cmd string) string {
	fields := strings.SplitN(strings.TrimSpace(cmd), " ", 3)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	switch strings.ToUpper(fields[0]) {
	case "GET":
		if len(fields) != 2 {
			return "ERR usage: GET key"
		}
		s.mu.RLock()
		v, ok := s.store[fields[1]]
		s.mu.RUnlock()
		if !ok {
			return "NIL"
		}
		return v
	case "SET":
		if len(fields) != 3 {
			return "ERR usage: SET key value"
		}
		s.mu.Lock()
		s.store[fields[1]] = fields[2]
		s.mu.Unlock()
		return "OK"
	case "DEL":
		if len(fields) != 2 {
			return "ERR usage: DEL key"
		}
		s.mu.Lock()
		delete(s.store, fields[1])
		s.mu.Unlock()
		return "OK"
	default:
		return fmt.Sprintf("ERR unknown command %q", fields[0])
	}
}

// Close implements orchestrator.Service.
func (s *Service) Close() error { return nil }

// Factory constructs kv Services, each with its own empty store.
type Factory struct{}

// Create implements orchestrator.ServiceFactory.
func (Factory) Create(orchestrator.ServiceDef) (orchestrator.Service, error) {
	return New(), nil
}
