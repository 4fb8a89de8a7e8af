// Package circuit implements the circuit dispatch loop's handlers:
// service connect/disconnect requests, direct messages between services,
// admin direct messages, and circuit-error responses. Each handler
// consults or mutates the shared routing table and forwards application
// traffic into the orchestrator.
package circuit

import (
	"context"
	"fmt"

	"github.com/arkmesh/meshd/internal/metrics"
	"github.com/arkmesh/meshd/pkg/dispatch"
	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/arkmesh/meshd/pkg/wire"
	"go.uber.org/zap"
)

// Deliverer routes an inbound ServiceMessage-shaped payload to a hosted
// service. internal/node binds this to Orchestrator.Deliver without
// pkg/circuit importing pkg/orchestrator directly, keeping the dependency
// one-directional.
type Deliverer interface {
	Deliver(ctx context.Context, circuitID, senderID, recipientID, correlationID string, payload []byte) error
}

// NetworkBridgeSender adapts a network-tier dispatch.Sender (the peer
// interconnect, in practice) into the Sender the circuit dispatch loop
// hands to its handlers: outbound circuit-tier payloads are wrapped in a
// CIRCUIT NetworkMessage before reaching the underlying network sender.
type NetworkBridgeSender struct {
	Network dispatch.Sender
}

var _ dispatch.Sender = NetworkBridgeSender{}

// Send implements dispatch.Sender.
func (b NetworkBridgeSender) Send(ctx context.Context, peerID string, payload []byte) error {
	nm := wire.NetworkMessage{Type: wire.NetworkMessageCircuit, Payload: payload}
	encoded, err := wire.EncodeMessage(&nm)
	if err != nil {
		return fmt.Errorf("circuit: encoding CIRCUIT network envelope: %w", err)
	}
	return b.Network.Send(ctx, peerID, encoded)
}

// ForwardToCircuitLoop builds a network-tier Handler for NetworkMessageCircuit:
// it unwraps the nested CircuitMessage and re-enqueues it as a
// DispatchEnvelope on ingress, the circuit DispatchLoop's own channel.
// This is the FIFO handoff point named by the data-flow description: a
// CIRCUIT-wrapped message keeps the relative order of other circuit
// messages on the same connection because ingress is a single channel fed
// by the single-threaded network dispatch worker.
func ForwardToCircuitLoop(ingress chan<- dispatch.DispatchEnvelope) dispatch.Handler[wire.NetworkMessageType] {
	return func(ctx context.Context, sourcePeerID string, payload []byte, _ dispatch.Sender) error {
		cm := &wire.CircuitMessage{}
		br := wire.NewBinReaderFromBuf(payload)
		cm.DecodeBinary(br)
		if br.Err != nil {
			return fmt.Errorf("circuit: decoding nested CircuitMessage: %w", br.Err)
		}
		env := dispatch.DispatchEnvelope{
			MessageType:  uint16(cm.Type),
			SourcePeerID: sourcePeerID,
			Payload:      cm.Payload,
		}
		select {
		case ingress <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handlers owns the routing table and the service deliverer, and
// registers its methods on a circuit Dispatcher.
type Handlers struct {
	log     *zap.Logger
	table   routing.Writer
	deliver Deliverer
}

// New creates a Handlers bound to table and deliverer.
func New(log *zap.Logger, table routing.Writer, deliverer Deliverer) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{log: log, table: table, deliver: deliverer}
}

// Register binds every circuit handler onto d.
func (h *Handlers) Register(d *dispatch.Dispatcher[wire.CircuitMessageType]) {
	d.Register(wire.CircuitMessageServiceConnectRequest, h.handleConnectRequest)
	d.Register(wire.CircuitMessageServiceDisconnectRequest, h.handleDisconnectRequest)
	d.Register(wire.CircuitMessageDirectMessage, h.handleDirectMessage)
	d.Register(wire.CircuitMessageAdminDirectMessage, h.handleAdminDirectMessage)
	d.Register(wire.CircuitMessageError, h.handleCircuitError)
}

func (h *Handlers) handleConnectRequest(ctx context.Context, sourcePeerID string, payload []byte, sender dispatch.Sender) error {
	req := &wire.ServiceConnectRequest{}
	if err := decode(payload, req); err != nil {
		return fmt.Errorf("circuit: decoding SERVICE_CONNECT_REQUEST: %w", err)
	}
	if _, ok := h.table.Lookup(req.CircuitID); !ok {
		return h.replyError(ctx, sourcePeerID, sender, wire.ErrorUnknownCircuit, req.CircuitID, req.ServiceID, "", "unknown circuit")
	}
	// AddServiceToRoster is itself idempotent: applying the same request
	// twice yields a single roster entry.
	h.table.AddServiceToRoster(req.CircuitID, req.ServiceID)
	return nil
}

func (h *Handlers) handleDisconnectRequest(ctx context.Context, sourcePeerID string, payload []byte, sender dispatch.Sender) error {
	req := &wire.ServiceDisconnectRequest{}
	if err := decode(payload, req); err != nil {
		return fmt.Errorf("circuit: decoding SERVICE_DISCONNECT_REQUEST: %w", err)
	}
	if _, ok := h.table.Lookup(req.CircuitID); !ok {
		return h.replyError(ctx, sourcePeerID, sender, wire.ErrorUnknownCircuit, req.CircuitID, req.ServiceID, "", "unknown circuit")
	}
	h.table.RemoveServiceFromRoster(req.CircuitID, req.ServiceID)
	return nil
}

func (h *Handlers) handleDirectMessage(ctx context.Context, sourcePeerID string, payload []byte, sender dispatch.Sender) error {
	msg := &wire.DirectMessage{}
	if err := decode(payload, msg); err != nil {
		return fmt.Errorf("circuit: decoding CIRCUIT_DIRECT_MESSAGE: %w", err)
	}
	def, ok := h.table.Lookup(msg.CircuitID)
	if !ok {
		return h.replyError(ctx, sourcePeerID, sender, wire.ErrorUnknownCircuit, msg.CircuitID, msg.RecipientID, msg.CorrelationID, "unknown circuit")
	}
	if !containsString(def.Roster, msg.RecipientID) {
		return h.replyError(ctx, sourcePeerID, sender, wire.ErrorUnknownService, msg.CircuitID, msg.RecipientID, msg.CorrelationID, "recipient not on circuit roster")
	}
	if err := h.deliver.Deliver(ctx, msg.CircuitID, msg.SenderID, msg.RecipientID, msg.CorrelationID, msg.Payload); err != nil {
		h.log.Warn("circuit direct message delivery failed",
			zap.String("circuit_id", msg.CircuitID), zap.String("recipient_id", msg.RecipientID), zap.Error(err))
		return h.replyError(ctx, sourcePeerID, sender, wire.ErrorUnknownService, msg.CircuitID, msg.RecipientID, msg.CorrelationID, err.Error())
	}
	return nil
}

// handleAdminDirectMessage forwards the raw admin payload to the deliverer
// addressed at the well-known "admin-service" recipient; pkg/admin itself
// decides what the opaque body means (propose/activate circuit, etc).
func (h *Handlers) handleAdminDirectMessage(ctx context.Context, sourcePeerID string, payload []byte, sender dispatch.Sender) error {
	msg := &wire.DirectMessage{}
	if err := decode(payload, msg); err != nil {
		return fmt.Errorf("circuit: decoding ADMIN_DIRECT_MESSAGE: %w", err)
	}
	if err := h.deliver.Deliver(ctx, msg.CircuitID, msg.SenderID, msg.RecipientID, msg.CorrelationID, msg.Payload); err != nil {
		return fmt.Errorf("circuit: delivering admin direct message: %w", err)
	}
	return nil
}

// handleCircuitError logs a routing failure reported by a peer; it does
// not itself produce a reply.
func (h *Handlers) handleCircuitError(_ context.Context, sourcePeerID string, payload []byte, _ dispatch.Sender) error {
	ce := &wire.CircuitError{}
	if err := decode(payload, ce); err != nil {
		return fmt.Errorf("circuit: decoding CIRCUIT_ERROR: %w", err)
	}
	h.log.Warn("received circuit error",
		zap.String("source_peer_id", sourcePeerID),
		zap.String("kind", ce.Kind.String()),
		zap.String("circuit_id", ce.CircuitID),
		zap.String("service_id", ce.ServiceID),
		zap.String("message", ce.Message))
	return nil
}

func (h *Handlers) replyError(ctx context.Context, sourcePeerID string, sender dispatch.Sender, kind wire.ErrorKind, circuitID, serviceID, correlationID, detail string) error {
	metrics.IncCircuitError(kind.String())
	ce := &wire.CircuitError{Kind: kind, CircuitID: circuitID, ServiceID: serviceID, CorrelationID: correlationID, Message: detail}
	bw := wire.NewBufBinWriter()
	ce.EncodeBinary(bw.BinWriter)
	if bw.Err != nil {
		return fmt.Errorf("circuit: encoding CIRCUIT_ERROR reply: %w", bw.Err)
	}
	cm := wire.CircuitMessage{Type: wire.CircuitMessageError, Payload: bw.Bytes()}
	cbw := wire.NewBufBinWriter()
	cm.EncodeBinary(cbw.BinWriter)
	if cbw.Err != nil {
		return fmt.Errorf("circuit: encoding CIRCUIT_ERROR envelope: %w", cbw.Err)
	}
	if err := sender.Send(ctx, sourcePeerID, cbw.Bytes()); err != nil {
		return fmt.Errorf("circuit: sending CIRCUIT_ERROR reply: %w", err)
	}
	return nil
}

func decode(payload []byte, s wire.Serializable) error {
	br := wire.NewBinReaderFromBuf(payload)
	s.DecodeBinary(br)
	return br.Err
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
