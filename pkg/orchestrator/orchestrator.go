// Package orchestrator hosts service instances. It looks up a
// ServiceFactory for a service's type, creates the Service, and pumps
// inbound/outbound circuit traffic to and from it through a
// ServiceProcessor. The processor exchanges typed ServiceMessages over
// in-memory Go channels and sends outbound payloads through a
// dispatch.Sender; it is not bound to a transport connection.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkmesh/meshd/pkg/dispatch"
	"go.uber.org/zap"
)

// ServiceState is a service's position in its lifecycle:
// NEW -> STARTED <-> STOPPED -> DESTROYED.
type ServiceState int

const (
	StateNew ServiceState = iota
	StateStarted
	StateStopped
	StateDestroyed
)

// String renders the state for logging.
func (s ServiceState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateStopped:
		return "STOPPED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ServiceDef describes a service instance to be created.
type ServiceDef struct {
	ID        string
	Type      string
	CircuitID string
	Config    map[string]string
}

// ServiceMessage is the typed unit of traffic a Service exchanges over a
// circuit, corresponding to a wire.DirectMessage.
type ServiceMessage struct {
	CircuitID     string
	SenderID      string
	RecipientID   string
	CorrelationID string
	Payload       []byte
}

// Service processes inbound ServiceMessages and may emit outbound ones on
// out. Close releases any resources the service holds.
type Service interface {
	HandleMessage(ctx context.Context, msg ServiceMessage, out chan<- ServiceMessage) error
	Close() error
}

// ServiceFactory constructs a Service for a ServiceDef.
type ServiceFactory interface {
	Create(def ServiceDef) (Service, error)
}

// Config tunes a ServiceProcessor's bounded queues.
type Config struct {
	IncomingCapacity int
	OutgoingCapacity int
	DrainDeadline    time.Duration
}

func (c Config) withDefaults() Config {
	if c.IncomingCapacity <= 0 {
		c.IncomingCapacity = 128
	}
	if c.OutgoingCapacity <= 0 {
		c.OutgoingCapacity = 128
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 2 * time.Second
	}
	return c
}

type serviceRecord struct {
	def       ServiceDef
	svc       Service
	processor *ServiceProcessor
	state     ServiceState
	cause     error
}

// Orchestrator hosts every live service instance.
type Orchestrator struct {
	cfg       Config
	log       *zap.Logger
	factories map[string]ServiceFactory
	sender    dispatch.Sender

	mu       sync.RWMutex
	services map[string]*serviceRecord
}

// New creates an Orchestrator. sender is used by every ServiceProcessor to
// emit outbound circuit traffic (typically the circuit interconnect).
func New(cfg Config, log *zap.Logger, sender dispatch.Sender) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		log:       log,
		factories: make(map[string]ServiceFactory),
		sender:    sender,
		services:  make(map[string]*serviceRecord),
	}
}

// RegisterFactory binds a ServiceFactory to a service type name.
func (o *Orchestrator) RegisterFactory(serviceType string, f ServiceFactory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[serviceType] = f
}

// InitializeService looks up the factory for def.Type, creates the
// Service, and starts its ServiceProcessor. Transitions NEW -> STARTED.
func (o *Orchestrator) InitializeService(def ServiceDef) error {
	o.mu.Lock()
	factory, ok := o.factories[def.Type]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: no factory registered for service type %q", def.Type)
	}
	if _, exists := o.services[def.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: service %q already initialized", def.ID)
	}
	o.mu.Unlock()

	svc, err := factory.Create(def)
	if err != nil {
		return fmt.Errorf("orchestrator: creating service %q: %w", def.ID, err)
	}

	proc := newServiceProcessor(o.cfg, o.log, def.ID, svc, o.sender, func(cause error) {
		o.markFailed(def.ID, cause)
	})
	proc.Start()

	o.mu.Lock()
	o.services[def.ID] = &serviceRecord{def: def, svc: svc, processor: proc, state: StateStarted}
	o.mu.Unlock()
	return nil
}

// Deliver routes an inbound ServiceMessage to the service named by
// msg.RecipientID.
func (o *Orchestrator) Deliver(ctx context.Context, msg ServiceMessage) error {
	o.mu.RLock()
	rec, ok := o.services[msg.RecipientID]
	o.mu.RUnlock()
	if !ok || rec.state != StateStarted {
		return fmt.Errorf("orchestrator: no started service %q", msg.RecipientID)
	}
	return rec.processor.Deliver(ctx, msg)
}

// ShutdownService stops message flow for id. Transitions STARTED -> STOPPED.
func (o *Orchestrator) ShutdownService(id string) error {
	o.mu.Lock()
	rec, ok := o.services[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: unknown service %q", id)
	}
	if rec.state != StateStarted {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: service %q is not STARTED (state=%s)", id, rec.state)
	}
	rec.state = StateStopped
	o.mu.Unlock()

	rec.processor.Stop()
	return nil
}

// DestroyService joins id's processor and releases the service.
// Transitions STOPPED -> DESTROYED.
func (o *Orchestrator) DestroyService(id string) error {
	o.mu.Lock()
	rec, ok := o.services[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: unknown service %q", id)
	}
	if rec.state != StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: service %q is not STOPPED (state=%s)", id, rec.state)
	}
	o.mu.Unlock()

	rec.processor.Wait()
	if err := rec.svc.Close(); err != nil {
		o.log.Warn("service close returned error", zap.String("service_id", id), zap.Error(err))
	}

	o.mu.Lock()
	rec.state = StateDestroyed
	delete(o.services, id)
	o.mu.Unlock()
	return nil
}

// ServiceIDs returns the ids of every service currently tracked,
// regardless of state.
func (o *Orchestrator) ServiceIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.services))
	for id := range o.services {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops and destroys every tracked service, in the documented
// STARTED -> STOPPED -> DESTROYED order, tolerating services a caller has
// already shut down individually (e.g. the admin service, stopped ahead of
// the rest per the daemon's shutdown ordering).
func (o *Orchestrator) Shutdown() {
	for _, id := range o.ServiceIDs() {
		if state, ok := o.State(id); ok && state == StateStarted {
			if err := o.ShutdownService(id); err != nil {
				o.log.Warn("shutdown of service failed", zap.String("service_id", id), zap.Error(err))
				continue
			}
		}
		if state, ok := o.State(id); ok && state == StateStopped {
			if err := o.DestroyService(id); err != nil {
				o.log.Warn("destroy of service failed", zap.String("service_id", id), zap.Error(err))
			}
		}
	}
}

// State returns the current state of service id.
func (o *Orchestrator) State(id string) (ServiceState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.services[id]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// Failure returns the recorded cause, if any, of a service's most recent
// processor failure.
func (o *Orchestrator) Failure(id string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.services[id]
	if !ok {
		return nil
	}
	return rec.cause
}

func (o *Orchestrator) markFailed(id string, cause error) {
	o.mu.Lock()
	rec, ok := o.services[id]
	if ok && rec.state == StateStarted {
		rec.state = StateStopped
		rec.cause = cause
	}
	o.mu.Unlock()
	o.log.Error("service processor failed, transitioning to STOPPED",
		zap.String("service_id", id), zap.Error(cause))
}
