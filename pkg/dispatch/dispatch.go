// Package dispatch implements the two-tier message dispatch pipeline: a
// generic Dispatcher registry keyed by message type, and a DispatchLoop
// that owns one worker goroutine draining a bounded channel of envelopes.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkmesh/meshd/pkg/wire"
	"go.uber.org/zap"
)

// MessageType is satisfied by both wire.NetworkMessageType and
// wire.CircuitMessageType, letting Dispatcher/DispatchLoop be instantiated
// once per tier instead of duplicated.
type MessageType interface {
	~uint16
}

// DispatchEnvelope is the unit of work handed to a DispatchLoop's worker.
type DispatchEnvelope struct {
	MessageType  uint16
	SourcePeerID string
	Payload      []byte
}

// Sender is the handle a Handler uses to emit a reply: either a
// NetworkSender writing straight back to the Mesh, or a chained
// DispatchSender forwarding into another loop.
type Sender interface {
	Send(ctx context.Context, peerID string, payload []byte) error
}

// Handler processes one message of type MT, addressed from sourcePeerID.
// Handler errors are logged by the owning DispatchLoop and do not kill it.
type Handler[MT MessageType] func(ctx context.Context, sourcePeerID string, payload []byte, sender Sender) error

// Dispatcher is a registry of MT -> Handler[MT].
type Dispatcher[MT MessageType] struct {
	mu       sync.RWMutex
	handlers map[MT]Handler[MT]
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher[MT MessageType]() *Dispatcher[MT] {
	return &Dispatcher[MT]{handlers: make(map[MT]Handler[MT])}
}

// Register binds a Handler to mt, replacing any previous registration.
func (d *Dispatcher[MT]) Register(mt MT, h Handler[MT]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[mt] = h
}

// Dispatch looks up the handler for mt and invokes it.
func (d *Dispatcher[MT]) Dispatch(ctx context.Context, mt MT, sourcePeerID string, payload []byte, sender Sender) error {
	d.mu.RLock()
	h, ok := d.handlers[mt]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispatch: no handler registered for message type %v", mt)
	}
	return h(ctx, sourcePeerID, payload, sender)
}

const (
	defaultQueueCapacity = 256
	defaultDrainDeadline = 2 * time.Second
)

// DispatchLoop owns one worker goroutine draining a bounded channel of
// DispatchEnvelopes through a Dispatcher.
type DispatchLoop[MT MessageType] struct {
	name       string
	log        *zap.Logger
	dispatcher *Dispatcher[MT]
	sender     Sender
	envelopes  chan DispatchEnvelope

	drainDeadline time.Duration

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewDispatchLoop creates and starts a DispatchLoop. name is the
// user-visible loop name surfaced in log lines (e.g. "NetworkDispatchLoop").
func NewDispatchLoop[MT MessageType](name string, log *zap.Logger, dispatcher *Dispatcher[MT], sender Sender, capacity int, drainDeadline time.Duration) *DispatchLoop[MT] {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if drainDeadline <= 0 {
		drainDeadline = defaultDrainDeadline
	}
	l := &DispatchLoop[MT]{
		name:          name,
		log:           log,
		dispatcher:    dispatcher,
		sender:        sender,
		envelopes:     make(chan DispatchEnvelope, capacity),
		drainDeadline: drainDeadline,
		done:          make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// NewDispatcherSender returns a cloneable ingress handle to the worker's
// channel. Every caller of this method shares the same underlying queue.
func (l *DispatchLoop[MT]) NewDispatcherSender() chan<- DispatchEnvelope {
	return l.envelopes
}

// Name returns the loop's user-visible name.
func (l *DispatchLoop[MT]) Name() string { return l.name }

// QueueDepth returns the number of envelopes currently buffered in the
// loop's ingress channel, for periodic metrics reporting.
func (l *DispatchLoop[MT]) QueueDepth() int { return len(l.envelopes) }

func (l *DispatchLoop[MT]) run() {
	defer l.wg.Done()
	for {
		select {
		case env := <-l.envelopes:
			l.process(env)
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *DispatchLoop[MT]) drain() {
	deadline := time.Now().Add(l.drainDeadline)
	for len(l.envelopes) > 0 && time.Now().Before(deadline) {
		l.process(<-l.envelopes)
	}
}

func (l *DispatchLoop[MT]) process(env DispatchEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch handler panicked",
				zap.String("loop", l.name), zap.Any("recovered", r))
		}
	}()
	ctx := context.Background()
	err := l.dispatcher.Dispatch(ctx, MT(env.MessageType), env.SourcePeerID, env.Payload, l.sender)
	if err != nil {
		l.log.Warn("dispatch handler error",
			zap.String("loop", l.name),
			zap.String("source_peer_id", env.SourcePeerID),
			zap.Error(err))
	}
}

// ShutdownSignaler returns an idempotent terminator for the loop, safe to
// call from any goroutine.
func (l *DispatchLoop[MT]) ShutdownSignaler() func() {
	return func() {
		l.shutdownOnce.Do(func() { close(l.done) })
	}
}

// Wait blocks until the loop's worker goroutine has exited.
func (l *DispatchLoop[MT]) Wait() {
	l.wg.Wait()
}

// NewNetworkDispatchLoop instantiates the network-tier DispatchLoop, named
// "NetworkDispatchLoop" per spec.
func NewNetworkDispatchLoop(log *zap.Logger, dispatcher *Dispatcher[wire.NetworkMessageType], sender Sender, capacity int, drainDeadline time.Duration) *DispatchLoop[wire.NetworkMessageType] {
	return NewDispatchLoop[wire.NetworkMessageType]("NetworkDispatchLoop", log, dispatcher, sender, capacity, drainDeadline)
}

// NewCircuitDispatchLoop instantiates the circuit-tier DispatchLoop, named
// "CircuitDispatchLoop" per spec.
func NewCircuitDispatchLoop(log *zap.Logger, dispatcher *Dispatcher[wire.CircuitMessageType], sender Sender, capacity int, drainDeadline time.Duration) *DispatchLoop[wire.CircuitMessageType] {
	return NewDispatchLoop[wire.CircuitMessageType]("CircuitDispatchLoop", log, dispatcher, sender, capacity, drainDeadline)
}
