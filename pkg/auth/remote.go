package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/wire"
)

const (
	nonceSize             = 32
	defaultHandshakeTimeout = 5 * time.Second
)

// Signer produces a signature over an arbitrary challenge nonce, identified
// by a local identity string.
type Signer interface {
	Identity() string
	Sign(nonce []byte) (signature []byte, err error)
}

// Verifier checks a signature against the identity that claims to have
// produced it. Concrete verifiers are out-of-scope collaborators; a default
// ed25519 implementation ships in pkg/auth/signedauth.
type Verifier interface {
	Verify(identity string, nonce, signature []byte) error
}

// RemoteAuthorizer runs the three-phase CONNECT_REQUEST -> CHALLENGE ->
// CHALLENGE_RESPONSE exchange over the wire, promoting a freshly dialed or
// accepted Connection into an IdentifiedConnection.
type RemoteAuthorizer struct {
	Scheme           string
	Signer           Signer
	Verifier         Verifier
	HandshakeTimeout time.Duration
}

// NewRemoteAuthorizer creates a RemoteAuthorizer for scheme using signer to
// prove the local identity and verifier to check the remote's.
func NewRemoteAuthorizer(scheme string, signer Signer, verifier Verifier) *RemoteAuthorizer {
	return &RemoteAuthorizer{Scheme: scheme, Signer: signer, Verifier: verifier, HandshakeTimeout: defaultHandshakeTimeout}
}

func (a *RemoteAuthorizer) timeout() time.Duration {
	if a.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return a.HandshakeTimeout
}

// Authorize implements Authorizer. Both sides run the identical exchange:
// advertise identity, exchange nonces, sign and verify. A mismatch, unknown
// identity, timeout, or protocol violation all surface as AUTH_FAILED-style
// errors; the caller must close conn.
func (a *RemoteAuthorizer) Authorize(ctx context.Context, conn transport.Connection, _ string) (*IdentifiedConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	if err := a.sendConnectRequest(ctx, conn); err != nil {
		return nil, a.fail(conn, err)
	}
	remoteIdentity, err := a.recvConnectRequest(ctx, conn)
	if err != nil {
		return nil, a.fail(conn, err)
	}

	localNonce := make([]byte, nonceSize)
	if _, err := rand.Read(localNonce); err != nil {
		return nil, a.fail(conn, fmt.Errorf("auth: generating nonce: %w", err))
	}
	if err := a.sendChallenge(ctx, conn, localNonce); err != nil {
		return nil, a.fail(conn, err)
	}
	remoteNonce, err := a.recvChallenge(ctx, conn)
	if err != nil {
		return nil, a.fail(conn, err)
	}

	sig, err := a.Signer.Sign(remoteNonce)
	if err != nil {
		return nil, a.fail(conn, fmt.Errorf("auth: signing challenge: %w", err))
	}
	if err := a.sendChallengeResponse(ctx, conn, sig); err != nil {
		return nil, a.fail(conn, err)
	}
	remoteSig, err := a.recvChallengeResponse(ctx, conn)
	if err != nil {
		return nil, a.fail(conn, err)
	}

	if err := a.Verifier.Verify(remoteIdentity, localNonce, remoteSig); err != nil {
		return nil, a.fail(conn, fmt.Errorf("auth: signature verification failed for %q: %w", remoteIdentity, err))
	}

	return &IdentifiedConnection{Connection: conn, Identity: remoteIdentity, Scheme: a.Scheme}, nil
}

func (a *RemoteAuthorizer) fail(conn transport.Connection, cause error) error {
	payload := wire.Encode(&wire.AuthFailed{Reason: cause.Error()})
	msg := &wire.NetworkMessage{Type: wire.NetworkMessageAuthFailed, Payload: payload}
	if b, err := wire.EncodeMessage(msg); err == nil {
		sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Send(sendCtx, b)
		cancel()
	}
	return fmt.Errorf("auth: AUTH_FAILED: %w", cause)
}

func (a *RemoteAuthorizer) sendConnectRequest(ctx context.Context, conn transport.Connection) error {
	payload := wire.Encode(&wire.ConnectRequest{Identity: a.Signer.Identity()})
	msg := &wire.NetworkMessage{Type: wire.NetworkMessageConnectRequest, Payload: payload}
	return sendMessage(ctx, conn, msg)
}

func (a *RemoteAuthorizer) recvConnectRequest(ctx context.Context, conn transport.Connection) (string, error) {
	msg, err := recvMessage(ctx, conn)
	if err != nil {
		return "", err
	}
	if msg.Type != wire.NetworkMessageConnectRequest {
		return "", fmt.Errorf("auth: expected CONNECT_REQUEST, got %s", msg.Type)
	}
	var req wire.ConnectRequest
	if err := wire.Decode(msg.Payload, &req); err != nil {
		return "", fmt.Errorf("auth: decoding CONNECT_REQUEST: %w", err)
	}
	return req.Identity, nil
}

func (a *RemoteAuthorizer) sendChallenge(ctx context.Context, conn transport.Connection, nonce []byte) error {
	payload := wire.Encode(&wire.Challenge{Nonce: nonce})
	msg := &wire.NetworkMessage{Type: wire.NetworkMessageChallenge, Payload: payload}
	return sendMessage(ctx, conn, msg)
}

func (a *RemoteAuthorizer) recvChallenge(ctx context.Context, conn transport.Connection) ([]byte, error) {
	msg, err := recvMessage(ctx, conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.NetworkMessageChallenge {
		return nil, fmt.Errorf("auth: expected CHALLENGE, got %s", msg.Type)
	}
	var ch wire.Challenge
	if err := wire.Decode(msg.Payload, &ch); err != nil {
		return nil, fmt.Errorf("auth: decoding CHALLENGE: %w", err)
	}
	return ch.Nonce, nil
}

func (a *RemoteAuthorizer) sendChallengeResponse(ctx context.Context, conn transport.Connection, sig []byte) error {
	payload := wire.Encode(&wire.ChallengeResponse{Signature: sig})
	msg := &wire.NetworkMessage{Type: wire.NetworkMessageChallengeResponse, Payload: payload}
	return sendMessage(ctx, conn, msg)
}

func (a *RemoteAuthorizer) recvChallengeResponse(ctx context.Context, conn transport.Connection) ([]byte, error) {
	msg, err := recvMessage(ctx, conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.NetworkMessageChallengeResponse {
		if msg.Type == wire.NetworkMessageAuthFailed {
			var af wire.AuthFailed
			_ = wire.Decode(msg.Payload, &af)
			return nil, fmt.Errorf("auth: remote sent AUTH_FAILED: %s", af.Reason)
		}
		return nil, fmt.Errorf("auth: expected CHALLENGE_RESPONSE, got %s", msg.Type)
	}
	var resp wire.ChallengeResponse
	if err := wire.Decode(msg.Payload, &resp); err != nil {
		return nil, fmt.Errorf("auth: decoding CHALLENGE_RESPONSE: %w", err)
	}
	return resp.Signature, nil
}

func sendMessage(ctx context.Context, conn transport.Connection, msg *wire.NetworkMessage) error {
	b, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("auth: encoding %s: %w", msg.Type, err)
	}
	return conn.Send(ctx, b)
}

func recvMessage(ctx context.Context, conn transport.Connection) (*wire.NetworkMessage, error) {
	b, err := conn.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: receiving handshake message: %w", err)
	}
	msg := &wire.NetworkMessage{}
	if err := wire.DecodeMessage(b, msg); err != nil {
		return nil, fmt.Errorf("auth: decoding handshake message: %w", err)
	}
	return msg, nil
}
