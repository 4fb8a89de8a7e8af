package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkmesh/meshd/pkg/transport"
)

// InprocAuthorizer is a static endpoint→identity mapping, used for
// "inproc://" connections (admin service, orchestrator, health service)
// whose identity is asserted up front rather than negotiated.
type InprocAuthorizer struct {
	mu        sync.RWMutex
	identities map[string]string
}

// NewInprocAuthorizer creates an InprocAuthorizer seeded with the given
// endpoint→identity bindings.
func NewInprocAuthorizer(identities map[string]string) *InprocAuthorizer {
	a := &InprocAuthorizer{identities: make(map[string]string, len(identities))}
	for k, v := range identities {
		a.identities[k] = v
	}
	return a
}

// Bind registers an additional endpoint→identity mapping.
func (a *InprocAuthorizer) Bind(endpoint, identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities[endpoint] = identity
}

// Authorize implements Authorizer. It completes immediately, looking up the
// identity bound to endpoint.
func (a *InprocAuthorizer) Authorize(_ context.Context, conn transport.Connection, endpoint string) (*IdentifiedConnection, error) {
	a.mu.RLock()
	identity, ok := a.identities[endpoint]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("auth: no known identity bound to %q", endpoint)
	}
	return &IdentifiedConnection{Connection: conn, Identity: identity, Scheme: "inproc"}, nil
}
