// Command meshctl talks to a running meshd node's admin service: it
// drives the same CONNECT_REQUEST/CHALLENGE handshake any mesh peer runs,
// then exchanges ADMIN_DIRECT_MESSAGE text commands to populate the
// node's routing table (CREATE_CIRCUIT, ADD_SERVICE, REMOVE_SERVICE,
// REMOVE_CIRCUIT).
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arkmesh/meshd/pkg/admin"
	"github.com/arkmesh/meshd/pkg/auth"
	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/arkmesh/meshd/pkg/transport/tcptransport"
	"github.com/arkmesh/meshd/pkg/transport/tlstransport"
	"github.com/arkmesh/meshd/pkg/transport/wstransport"
	"github.com/arkmesh/meshd/pkg/wire"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
)

// adminCircuitID is the CircuitID stamped on every admin request. The
// admin service's handler never looks a circuit up in the routing table
// (that would make bootstrapping the table impossible), so any non-empty
// placeholder does; the log lines it shows up in are the only consumer.
const adminCircuitID = "meshctl-bootstrap"

const defaultDialTimeout = 5 * time.Second

// Client dials a node's admin service and authenticates as identity.
type Client struct {
	Endpoint         string
	Identity         *signedauth.KeyPair
	Trust            auth.Verifier
	Transports       *transport.Multi
	HandshakeTimeout time.Duration
}

// tofuVerifier accepts any identity whose signature matches the public
// key self-encoded in the identity string (signedauth.KeyPair.Identity is
// exactly base58(pubkey)), without requiring the identity to have been
// pre-registered. It's what NewClient falls back to when no --trust value
// pins a specific node: the handshake still proves the remote party holds
// the private key behind the identity it claims, it just doesn't check
// which identity that ought to be.
type tofuVerifier struct{}

func (tofuVerifier) Verify(identity string, nonce, signature []byte) error {
	pub, err := base58.Decode(identity)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("meshctl: malformed identity %q", identity)
	}
	if !ed25519.Verify(pub, nonce, signature) {
		return fmt.Errorf("meshctl: signature mismatch for %q", identity)
	}
	return nil
}

// NewClient builds a Client over the standard tcp/tls/ws/inproc transport
// set. trustedNode, if non-empty, is the target node's identity string
// (the base58 encoding of its ed25519 public key); meshctl then trusts
// exactly that one peer for the handshake's signature check, refusing to
// talk to anything else. Left empty, the client trusts whichever node
// answers (see tofuVerifier).
func NewClient(endpoint string, identity *signedauth.KeyPair, trustedNode string) (*Client, error) {
	var trust auth.Verifier = tofuVerifier{}
	if trustedNode != "" {
		registry := signedauth.NewRegistry()
		pub, err := base58.Decode(trustedNode)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("meshctl: --trust value %q is not a valid node identity", trustedNode)
		}
		registry.Trust(trustedNode, pub)
		trust = registry
	}

	multi := transport.NewMulti()
	multi.Register(tcptransport.New())
	multi.Register(wstransport.New())
	multi.Register(tlstransport.New(nil, nil))
	multi.Register(inproctransport.New())

	return &Client{
		Endpoint:         endpoint,
		Identity:         identity,
		Trust:            trust,
		Transports:       multi,
		HandshakeTimeout: defaultDialTimeout,
	}, nil
}

// Session is one authenticated connection to a node's admin service.
type Session struct {
	conn         transport.Connection
	selfIdentity string
	nodeIdentity string
}

// Dial connects to c.Endpoint and runs the authentication handshake,
// mirroring connmgr.Manager.RequestOutbound's dial-then-authorize shape.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	conn, err := c.Transports.Connect(ctx, c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("meshctl: dialing %q: %w", c.Endpoint, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout())
	defer cancel()

	authorizer := auth.NewRemoteAuthorizer(schemeOf(c.Endpoint), c.Identity, c.Trust)
	ic, err := authorizer.Authorize(hctx, conn, c.Endpoint)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("meshctl: authenticating with %q: %w", c.Endpoint, err)
	}

	return &Session{conn: ic.Connection, selfIdentity: c.Identity.Identity(), nodeIdentity: ic.Identity}, nil
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return defaultDialTimeout
	}
	return c.HandshakeTimeout
}

// NodeIdentity returns the remote node's identity as confirmed by the
// handshake.
func (s *Session) NodeIdentity() string { return s.nodeIdentity }

// Close releases the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// SendCommand encodes cmd as an ADMIN_DIRECT_MESSAGE, sends it, and waits
// for the reply. Replies to admin commands carry their text directly as
// the CIRCUIT network message's payload (orchestrator.ServiceProcessor
// hands a service's raw ServiceMessage.Payload straight to
// circuit.NetworkBridgeSender, with no CircuitMessage re-wrapping on the
// way out), so the reply is read as plain text rather than decoded as a
// nested CircuitMessage.
func (s *Session) SendCommand(ctx context.Context, cmd string) (string, error) {
	req := &wire.DirectMessage{
		CircuitID:     adminCircuitID,
		RecipientID:   admin.ServiceID,
		SenderID:      s.selfIdentity,
		CorrelationID: uuid.NewString(),
		Payload:       []byte(cmd),
	}
	cm := &wire.CircuitMessage{Type: wire.CircuitMessageAdminDirectMessage, Payload: wire.Encode(req)}
	nm := wire.WrapCircuit(cm)

	b, err := wire.EncodeMessage(nm)
	if err != nil {
		return "", fmt.Errorf("meshctl: encoding admin command: %w", err)
	}
	if err := s.conn.Send(ctx, b); err != nil {
		return "", fmt.Errorf("meshctl: sending admin command: %w", err)
	}

	reply, err := s.conn.Recv(ctx)
	if err != nil {
		return "", fmt.Errorf("meshctl: receiving admin reply: %w", err)
	}
	replyMsg := &wire.NetworkMessage{}
	if err := wire.DecodeMessage(reply, replyMsg); err != nil {
		return "", fmt.Errorf("meshctl: decoding admin reply: %w", err)
	}
	if replyMsg.Type != wire.NetworkMessageCircuit {
		return "", fmt.Errorf("meshctl: expected CIRCUIT reply, got %s", replyMsg.Type)
	}
	return string(replyMsg.Payload), nil
}

func schemeOf(endpoint string) string {
	for i := 0; i < len(endpoint)-2; i++ {
		if endpoint[i] == ':' && endpoint[i+1] == '/' && endpoint[i+2] == '/' {
			return endpoint[:i]
		}
	}
	return ""
}
