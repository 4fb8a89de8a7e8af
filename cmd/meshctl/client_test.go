package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkmesh/meshd/internal/node"
	"github.com/arkmesh/meshd/pkg/auth"
	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/arkmesh/meshd/pkg/config"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/stretchr/testify/require"
)

// freeTCPEndpoint claims an ephemeral port and releases it immediately, so
// a node under test can be configured to listen on a known address.
func freeTCPEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "tcp://" + addr
}

// TestClientRoundTripsAdminCommandOverTCP spins up a real node with the
// admin service enabled and an AdminKeys entry for the dialing client's
// identity, then exercises the full handshake and CREATE_CIRCUIT/
// ADD_SERVICE round trip meshctl drives in practice.
func TestClientRoundTripsAdminCommandOverTCP(t *testing.T) {
	clientIdentity, err := signedauth.Generate()
	require.NoError(t, err)

	endpoint := freeTCPEndpoint(t)

	cfg := config.Config{
		NetworkConfiguration: config.NetworkConfiguration{
			NodeID:            "node-under-test",
			ListenEndpoints:   []string{endpoint},
			HeartbeatInterval: time.Second,
			HandshakeTimeout:  2 * time.Second,
			BackoffBase:       time.Millisecond,
			BackoffCeiling:    time.Millisecond,
			Store: config.StoreConfiguration{
				Backend: "yaml",
				Path:    filepath.Join(t.TempDir(), "state"),
			},
		},
		ServiceConfiguration: config.ServiceConfiguration{
			Enabled:   []string{"admin"},
			AdminKeys: []string{clientIdentity.Identity()},
		},
	}

	n, err := node.New(cfg, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Run(ctx))

	// Give the accept loop a moment to come up; node.Run's listener
	// goroutine starts accepting asynchronously.
	time.Sleep(50 * time.Millisecond)

	// No --trust pin: the client falls back to tofuVerifier, accepting
	// whichever node answers as long as its signature matches the
	// identity it claims.
	client, err := NewClient(endpoint, clientIdentity, "")
	require.NoError(t, err)

	session, err := client.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	reply, err := session.SendCommand(ctx, "CREATE_CIRCUIT circuit-1 peer-a,peer-b echo-1")
	require.NoError(t, err)
	require.Equal(t, "OK", reply)

	reply, err = session.SendCommand(ctx, "ADD_SERVICE circuit-1 echo-2")
	require.NoError(t, err)
	require.Equal(t, "OK", reply)

	reply, err = session.SendCommand(ctx, "REMOVE_CIRCUIT circuit-1")
	require.NoError(t, err)
	require.Equal(t, "OK", reply)
}

// TestClientDialFailsWhenNodeDoesNotTrustIdentity confirms an
// unconfigured client identity is rejected during the handshake rather
// than silently granted access.
func TestClientDialFailsWhenNodeDoesNotTrustIdentity(t *testing.T) {
	endpoint := freeTCPEndpoint(t)
	cfg := config.Config{
		NetworkConfiguration: config.NetworkConfiguration{
			NodeID:            "node-under-test",
			ListenEndpoints:   []string{endpoint},
			HeartbeatInterval: time.Second,
			HandshakeTimeout:  500 * time.Millisecond,
			BackoffBase:       time.Millisecond,
			BackoffCeiling:    time.Millisecond,
			Store: config.StoreConfiguration{
				Backend: "yaml",
				Path:    filepath.Join(t.TempDir(), "state"),
			},
		},
		ServiceConfiguration: config.ServiceConfiguration{
			Enabled: []string{"admin"},
		},
	}
	n, err := node.New(cfg, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Run(ctx))
	time.Sleep(50 * time.Millisecond)

	stranger, err := signedauth.Generate()
	require.NoError(t, err)
	client, err := NewClient(endpoint, stranger, "")
	require.NoError(t, err)

	_, err = client.Dial(ctx)
	require.Error(t, err)
}

// TestClientDialAuthenticatesOverSharedInprocTransport exercises the
// handshake (no admin command is sent) against a bare RemoteAuthorizer pair
// sharing an inproctransport.Transport, without a full *node.Node — the
// lightweight "test mode" path for exercising meshctl's own client logic
// in isolation.
func TestClientDialAuthenticatesOverSharedInprocTransport(t *testing.T) {
	serverIdentity, err := signedauth.Generate()
	require.NoError(t, err)
	clientIdentity, err := signedauth.Generate()
	require.NoError(t, err)

	serverTrust := signedauth.NewRegistry()
	serverTrust.Trust(clientIdentity.Identity(), clientIdentity.Public)

	shared := inproctransport.New()
	ln, err := shared.Listen("inproc://test-admin")
	require.NoError(t, err)
	defer ln.Close()

	type acceptResult struct {
		ic  *auth.IdentifiedConnection
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			acceptCh <- acceptResult{err: acceptErr}
			return
		}
		authorizer := auth.NewRemoteAuthorizer("inproc", serverIdentity, serverTrust)
		ic, authErr := authorizer.Authorize(context.Background(), conn, "inproc://test-admin")
		acceptCh <- acceptResult{ic: ic, err: authErr}
	}()

	client, err := NewClient("inproc://test-admin", clientIdentity, serverIdentity.Identity())
	require.NoError(t, err)
	multi := transport.NewMulti()
	multi.Register(shared)
	client.Transports = multi

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	session, err := client.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()
	require.Equal(t, serverIdentity.Identity(), session.NodeIdentity())

	res := <-acceptCh
	require.NoError(t, res.err)
	require.Equal(t, clientIdentity.Identity(), res.ic.Identity)
}
