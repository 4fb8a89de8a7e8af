package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkmesh/meshd/pkg/dispatch"
	"go.uber.org/zap"
)

// ServiceProcessor is a small inbound/outbound pump: it translates circuit
// traffic into typed ServiceMessages for a Service and ships the
// Service's replies back out through a dispatch.Sender.
type ServiceProcessor struct {
	cfg       Config
	log       *zap.Logger
	serviceID string
	svc       Service
	sender    dispatch.Sender
	onFailure func(error)

	in  chan ServiceMessage
	out chan ServiceMessage

	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func newServiceProcessor(cfg Config, log *zap.Logger, serviceID string, svc Service, sender dispatch.Sender, onFailure func(error)) *ServiceProcessor {
	return &ServiceProcessor{
		cfg:       cfg,
		log:       log,
		serviceID: serviceID,
		svc:       svc,
		sender:    sender,
		onFailure: onFailure,
		in:        make(chan ServiceMessage, cfg.IncomingCapacity),
		out:       make(chan ServiceMessage, cfg.OutgoingCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches the inbound and outbound pump goroutines.
func (p *ServiceProcessor) Start() {
	p.wg.Add(2)
	go p.pumpIn()
	go p.pumpOut()
}

// Deliver enqueues an inbound ServiceMessage, blocking until there is room,
// the processor stops, or ctx is done.
func (p *ServiceProcessor) Deliver(ctx context.Context, msg ServiceMessage) error {
	select {
	case p.in <- msg:
		return nil
	case <-p.done:
		return fmt.Errorf("orchestrator: service %q processor stopped", p.serviceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ServiceProcessor) pumpIn() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.in:
			p.handle(msg)
		case <-p.done:
			return
		}
	}
}

func (p *ServiceProcessor) handle(msg ServiceMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.onFailure(fmt.Errorf("service %q panicked: %v", p.serviceID, r))
		}
	}()
	ctx := context.Background()
	if err := p.svc.HandleMessage(ctx, msg, p.out); err != nil {
		p.onFailure(fmt.Errorf("service %q handler error: %w", p.serviceID, err))
	}
}

func (p *ServiceProcessor) pumpOut() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.out:
			p.send(msg)
		case <-p.done:
			p.drainOut()
			return
		}
	}
}

func (p *ServiceProcessor) drainOut() {
	deadline := time.Now().Add(p.cfg.DrainDeadline)
	for len(p.out) > 0 && time.Now().Before(deadline) {
		p.send(<-p.out)
	}
}

func (p *ServiceProcessor) send(msg ServiceMessage) {
	if p.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sender.Send(ctx, msg.RecipientID, msg.Payload); err != nil {
		p.log.Warn("service outbound send failed",
			zap.String("service_id", p.serviceID), zap.String("recipient", msg.RecipientID), zap.Error(err))
	}
}

// Stop signals both pumps to exit, draining outstanding outbound traffic
// within the configured deadline.
func (p *ServiceProcessor) Stop() {
	p.shutdownOnce.Do(func() { close(p.done) })
}

// Wait blocks until both pump goroutines have exited.
func (p *ServiceProcessor) Wait() {
	p.wg.Wait()
}
