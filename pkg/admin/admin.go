// Package admin implements the daemon's bootstrap path for populating the
// routing table: an in-process orchestrator.Service, reachable over
// ADMIN_DIRECT_MESSAGE, that proposes and activates circuits. Key-based
// access control is delegated entirely to a KeyPermissionManager collaborator
// and never interpreted here.
package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/arkmesh/meshd/pkg/store"
	"go.uber.org/zap"
)

// ServiceID is the well-known orchestrator service identifier admin
// messages are addressed to.
const ServiceID = "admin-service"

// KeyPermissionManager authorizes an admin operation for the requesting
// identity. The concrete policy is out of scope; meshd ships only this
// pass-through collaborator interface.
type KeyPermissionManager interface {
	IsPermitted(identity, operation string) bool
}

// AllowAll is a KeyPermissionManager that permits every operation, used
// when no permission manager is configured.
type AllowAll struct{}

// IsPermitted implements KeyPermissionManager.
func (AllowAll) IsPermitted(string, string) bool { return true }

// Service mutates the shared routing table in response to admin commands.
// The wire protocol is a small newline-free text command, matching the
// daemon's other reference services:
//
//	CREATE_CIRCUIT <circuit_id> <member1,member2,...> <service1,service2,...>
//	ADD_SERVICE <circuit_id> <service_id>
//	REMOVE_SERVICE <circuit_id> <service_id>
//	REMOVE_CIRCUIT <circuit_id>
type Service struct {
	table    routing.Writer
	perms    KeyPermissionManager
	log      *zap.Logger
	registry store.Store
}

var (
	_ orchestrator.Service        = (*Service)(nil)
	_ orchestrator.ServiceFactory = Factory{}
)

// New creates an admin Service over table. perms defaults to AllowAll if
// nil. registry, if non-nil, is written to after every mutating command so
// the routing table's state survives a restart; nil leaves persistence
// disabled (the table is still mutated in-memory either way).
func New(table routing.Writer, perms KeyPermissionManager, log *zap.Logger, registry store.Store) *Service {
	if perms == nil {
		perms = AllowAll{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{table: table, perms: perms, log: log, registry: registry}
}

// HandleMessage implements orchestrator.Service.
func (s *Service) HandleMessage(_ context.Context, msg orchestrator.ServiceMessage, out chan<- orchestrator.ServiceMessage) error {
	resp := s.apply(msg.SenderID, string(msg.Payload))
	out <- orchestrator.ServiceMessage{
		CircuitID:     msg.CircuitID,
		SenderID:      msg.RecipientID,
		RecipientID:   msg.SenderID,
		CorrelationID: msg.CorrelationID,
		Payload:       []byte(resp),
	}
	return nil
}

func (s *Service) apply(identity, cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	op := strings.ToUpper(fields[0])
	if !s.perms.IsPermitted(identity, op) {
		return fmt.Sprintf("ERR %s not permitted for %s", op, identity)
	}
	switch op {
	case "CREATE_CIRCUIT":
		if len(fields) != 4 {
			return "ERR usage: CREATE_CIRCUIT circuit_id members roster"
		}
		def := routing.CircuitDef{
			Members: splitCSV(fields[2]),
			Roster:  splitCSV(fields[3]),
		}
		s.table.PutCircuit(fields[1], def)
		s.log.Info("circuit created", zap.String("circuit_id", fields[1]), zap.String("by", identity))
		s.persist()
		return "OK"
	case "ADD_SERVICE":
		if len(fields) != 3 {
			return "ERR usage: ADD_SERVICE circuit_id service_id"
		}
		if !s.table.AddServiceToRoster(fields[1], fields[2]) {
			return fmt.Sprintf("ERR unknown circuit %q", fields[1])
		}
		s.persist()
		return "OK"
	case "REMOVE_SERVICE":
		if len(fields) != 3 {
			return "ERR usage: REMOVE_SERVICE circuit_id service_id"
		}
		if !s.table.RemoveServiceFromRoster(fields[1], fields[2]) {
			return fmt.Sprintf("ERR unknown circuit %q", fields[1])
		}
		s.persist()
		return "OK"
	case "REMOVE_CIRCUIT":
		if len(fields) != 2 {
			return "ERR usage: REMOVE_CIRCUIT circuit_id"
		}
		s.table.RemoveCircuit(fields[1])
		s.persist()
		return "OK"
	default:
		return fmt.Sprintf("ERR unknown command %q", fields[0])
	}
}

// persist writes the routing table's current state back to the registry
// store, if one is configured. This daemon has no separate propose/activate
// phase, so every circuit currently in the table is saved as active; the
// proposals half of store.CircuitState is always written empty.
func (s *Service) persist() {
	if s.registry == nil {
		return
	}
	cs := store.CircuitState{Circuits: s.table.Snapshot(), Proposals: map[string]routing.CircuitDef{}}
	if err := s.registry.SaveCircuits(cs); err != nil {
		s.log.Warn("persisting circuit state failed", zap.Error(err))
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Close implements orchestrator.Service.
func (s *Service) Close() error { return nil }

// Factory constructs the admin Service bound to a shared routing.Writer.
type Factory struct {
	Table    routing.Writer
	Perms    KeyPermissionManager
	Log      *zap.Logger
	Registry store.Store
}

// Create implements orchestrator.ServiceFactory.
func (f Factory) Create(orchestrator.ServiceDef) (orchestrator.Service, error) {
	return New(f.Table, f.Perms, f.Log, f.Registry), nil
}
