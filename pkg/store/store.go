// Package store defines the daemon's registry store contract: the
// sub-interfaces the core actually needs (admin-service circuit state and
// the local node registry), leaving credentials/keys/OAuth stores to the
// out-of-scope REST surface. Two concrete implementations are provided:
// pkg/store/yamlstore (the literal circuits.yaml/circuit_proposals.yaml/
// local_registry.yaml layout) and pkg/store/boltstore (a bbolt-backed
// alternative behind the same interface).
package store

import "github.com/arkmesh/meshd/pkg/routing"

// CircuitState is the admin-service-owned view of circuit definitions: the
// active set plus any not-yet-activated proposals.
type CircuitState struct {
	Circuits  map[string]routing.CircuitDef
	Proposals map[string]routing.CircuitDef
}

// NodeRegistry is the local node's view of other known nodes, keyed by
// node ID, valued by a connectable endpoint URI.
type NodeRegistry struct {
	Nodes map[string]string
}

// Store is the registry handle the core requires: open/close lifecycle
// plus read/write access to circuit state and the node registry.
type Store interface {
	Open() error
	Close() error

	Circuits() (CircuitState, error)
	SaveCircuits(CircuitState) error

	Registry() (NodeRegistry, error)
	SaveRegistry(NodeRegistry) error
}
