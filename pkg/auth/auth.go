// Package auth promotes a raw transport.Connection into an identified
// connection via a pluggable, scheme-keyed Authorizer.
package auth

import (
	"context"
	"fmt"

	"github.com/arkmesh/meshd/pkg/transport"
)

// IdentifiedConnection is a Connection plus the remote party's verified
// identity string and the URI scheme that produced it.
type IdentifiedConnection struct {
	transport.Connection
	Identity string
	Scheme   string
}

// Authorizer promotes a raw Connection accepted (or dialed) on a given
// scheme into an IdentifiedConnection.
type Authorizer interface {
	// Authorize runs the handshake for conn, which was accepted or dialed
	// against endpoint. It returns AUTH_FAILED-equivalent errors as a
	// non-nil error; the caller is responsible for closing conn on failure.
	Authorize(ctx context.Context, conn transport.Connection, endpoint string) (*IdentifiedConnection, error)
}

// Registry dispatches to a scheme-keyed set of Authorizers, mirroring
// transport.Multi's scheme dispatch.
type Registry struct {
	backends map[string]Authorizer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Authorizer)}
}

// Register binds an Authorizer to a URI scheme (without "://").
func (r *Registry) Register(scheme string, a Authorizer) {
	r.backends[scheme] = a
}

// Authorize looks up the Authorizer registered for scheme and delegates to
// it.
func (r *Registry) Authorize(ctx context.Context, scheme string, conn transport.Connection, endpoint string) (*IdentifiedConnection, error) {
	a, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("auth: no authorizer registered for scheme %q", scheme)
	}
	return a.Authorize(ctx, conn, endpoint)
}
