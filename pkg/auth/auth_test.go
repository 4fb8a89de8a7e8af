package auth

import (
	"context"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/stretchr/testify/require"
)

func connectedPair(t *testing.T, name string) (a, b transport.Connection) {
	t.Helper()
	tr := inproctransport.New()
	ln, err := tr.Listen(name)
	require.NoError(t, err)

	type acceptResult struct {
		conn transport.Connection
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, acceptErr := ln.Accept()
		if acceptErr != nil {
			accepted <- acceptResult{err: acceptErr}
			return
		}
		accepted <- acceptResult{conn: c}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := tr.Connect(ctx, name)
	require.NoError(t, err)

	res := <-accepted
	require.NoError(t, res.err)
	return client, res.conn
}

func TestInprocAuthorizerResolvesKnownEndpoint(t *testing.T) {
	client, _ := connectedPair(t, "inproc://admin-service")
	defer client.Close()

	a := NewInprocAuthorizer(map[string]string{"inproc://admin-service": "admin"})
	ic, err := a.Authorize(context.Background(), client, "inproc://admin-service")
	require.NoError(t, err)
	require.Equal(t, "admin", ic.Identity)
	require.Equal(t, "inproc", ic.Scheme)
}

func TestInprocAuthorizerRejectsUnknownEndpoint(t *testing.T) {
	client, _ := connectedPair(t, "inproc://orchestrator")
	defer client.Close()

	a := NewInprocAuthorizer(nil)
	_, err := a.Authorize(context.Background(), client, "inproc://unbound")
	require.Error(t, err)
}

func TestRegistryDispatchesByScheme(t *testing.T) {
	client, _ := connectedPair(t, "inproc://health-service")
	defer client.Close()

	r := NewRegistry()
	r.Register("inproc", NewInprocAuthorizer(map[string]string{"inproc://health-service": "health"}))

	ic, err := r.Authorize(context.Background(), "inproc", client, "inproc://health-service")
	require.NoError(t, err)
	require.Equal(t, "health", ic.Identity)

	_, err = r.Authorize(context.Background(), "tcp", client, "inproc://health-service")
	require.Error(t, err)
}

func TestRemoteAuthorizerMutualHandshake(t *testing.T) {
	clientConn, serverConn := connectedPair(t, "inproc://peer-link")
	defer clientConn.Close()
	defer serverConn.Close()

	clientKey, err := signedauth.Generate()
	require.NoError(t, err)
	serverKey, err := signedauth.Generate()
	require.NoError(t, err)

	clientVerifier := signedauth.NewRegistry()
	clientVerifier.Trust(serverKey.Identity(), serverKey.Public)
	serverVerifier := signedauth.NewRegistry()
	serverVerifier.Trust(clientKey.Identity(), clientKey.Public)

	clientAuth := NewRemoteAuthorizer("tcp", clientKey, clientVerifier)
	serverAuth := NewRemoteAuthorizer("tcp", serverKey, serverVerifier)

	type result struct {
		ic  *IdentifiedConnection
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		ic, err := clientAuth.Authorize(context.Background(), clientConn, "")
		clientResult <- result{ic, err}
	}()
	go func() {
		ic, err := serverAuth.Authorize(context.Background(), serverConn, "")
		serverResult <- result{ic, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	require.Equal(t, serverKey.Identity(), cr.ic.Identity)
	require.Equal(t, clientKey.Identity(), sr.ic.Identity)
}

func TestRemoteAuthorizerRejectsUnknownIdentity(t *testing.T) {
	clientConn, serverConn := connectedPair(t, "inproc://peer-link-2")
	defer clientConn.Close()
	defer serverConn.Close()

	clientKey, err := signedauth.Generate()
	require.NoError(t, err)
	serverKey, err := signedauth.Generate()
	require.NoError(t, err)

	clientAuth := NewRemoteAuthorizer("tcp", clientKey, signedauth.NewRegistry())
	serverAuth := NewRemoteAuthorizer("tcp", serverKey, signedauth.NewRegistry())

	type result struct {
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		_, err := clientAuth.Authorize(context.Background(), clientConn, "")
		clientResult <- result{err}
	}()
	go func() {
		_, err := serverAuth.Authorize(context.Background(), serverConn, "")
		serverResult <- result{err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	require.Error(t, cr.err)
	require.Error(t, sr.err)
}
