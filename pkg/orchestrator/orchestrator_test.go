package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/service/echo"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []orchestrator.ServiceMessage
}

func (s *recordingSender) Send(_ context.Context, peerID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, orchestrator.ServiceMessage{RecipientID: peerID, Payload: payload})
	return nil
}

func (s *recordingSender) snapshot() []orchestrator.ServiceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orchestrator.ServiceMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func TestInitializeDeliverShutdownDestroyLifecycle(t *testing.T) {
	sender := &recordingSender{}
	o := orchestrator.New(orchestrator.Config{}, nil, sender)
	o.RegisterFactory("echo", echo.Factory{})

	def := orchestrator.ServiceDef{ID: "svc-1", Type: "echo", CircuitID: "circuit-1"}
	require.NoError(t, o.InitializeService(def))

	state, ok := o.State("svc-1")
	require.True(t, ok)
	require.Equal(t, orchestrator.StateStarted, state)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Deliver(ctx, orchestrator.ServiceMessage{
		CircuitID: "circuit-1", SenderID: "alice", RecipientID: "svc-1", Payload: []byte("hi"),
	}))

	require.Eventually(t, func() bool {
		return len(sender.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, o.ShutdownService("svc-1"))
	state, _ = o.State("svc-1")
	require.Equal(t, orchestrator.StateStopped, state)

	require.NoError(t, o.DestroyService("svc-1"))
	_, ok = o.State("svc-1")
	require.False(t, ok)
}

func TestInitializeUnknownTypeErrors(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{}, nil, &recordingSender{})
	err := o.InitializeService(orchestrator.ServiceDef{ID: "svc-2", Type: "unknown"})
	require.Error(t, err)
}

func TestDeliverToUnstartedServiceErrors(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{}, nil, &recordingSender{})
	err := o.Deliver(context.Background(), orchestrator.ServiceMessage{RecipientID: "nope"})
	require.Error(t, err)
}

type panicService struct{}

func (panicService) HandleMessage(context.Context, orchestrator.ServiceMessage, chan<- orchestrator.ServiceMessage) error {
	panic("boom")
}
func (panicService) Close() error { return nil }

type panicFactory struct{}

func (panicFactory) Create(orchestrator.ServiceDef) (orchestrator.Service, error) {
	return panicService{}, nil
}

func TestServicePanicTransitionsToStopped(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{}, nil, &recordingSender{})
	o.RegisterFactory("panicky", panicFactory{})
	require.NoError(t, o.InitializeService(orchestrator.ServiceDef{ID: "svc-3", Type: "panicky"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Deliver(ctx, orchestrator.ServiceMessage{RecipientID: "svc-3"}))

	require.Eventually(t, func() bool {
		state, ok := o.State("svc-3")
		return ok && state == orchestrator.StateStopped
	}, time.Second, 10*time.Millisecond)

	require.Error(t, o.Failure("svc-3"))
}
