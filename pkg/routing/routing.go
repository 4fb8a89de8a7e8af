// Package routing implements the shared circuit routing table: a
// concurrent map with many readers and serialized writers, shared for the
// full daemon lifetime across dispatch loops and the admin service.
package routing

import "sync"

// CircuitDef describes a circuit's membership and the services currently
// registered on it.
type CircuitDef struct {
	Members []string
	Roster  []string
}

func cloneStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func (c CircuitDef) clone() CircuitDef {
	return CircuitDef{Members: cloneStrings(c.Members), Roster: cloneStrings(c.Roster)}
}

// Table is the shared, concurrency-safe circuit routing table.
type Table struct {
	mu       sync.RWMutex
	circuits map[string]CircuitDef
}

// New creates an empty Table.
func New() *Table {
	return &Table{circuits: make(map[string]CircuitDef)}
}

// Lookup returns a copy of the CircuitDef registered under circuitID.
func (t *Table) Lookup(circuitID string) (CircuitDef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.circuits[circuitID]
	if !ok {
		return CircuitDef{}, false
	}
	return def.clone(), true
}

// IsMember reports whether serviceID is on circuitID's roster.
func (t *Table) IsMember(circuitID, serviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.circuits[circuitID]
	if !ok {
		return false
	}
	for _, s := range def.Roster {
		if s == serviceID {
			return true
		}
	}
	return false
}

// PutCircuit registers or replaces circuitID's definition wholesale. Used
// by the admin service when a new circuit is accepted.
func (t *Table) PutCircuit(circuitID string, def CircuitDef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuits[circuitID] = def.clone()
}

// RemoveCircuit deletes circuitID entirely.
func (t *Table) RemoveCircuit(circuitID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.circuits, circuitID)
}

// AddServiceToRoster adds serviceID to circuitID's roster. Idempotent: a
// service already on the roster is left unchanged. Returns false if
// circuitID is unknown.
func (t *Table) AddServiceToRoster(circuitID, serviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, ok := t.circuits[circuitID]
	if !ok {
		return false
	}
	for _, s := range def.Roster {
		if s == serviceID {
			return true
		}
	}
	def.Roster = append(def.Roster, serviceID)
	t.circuits[circuitID] = def
	return true
}

// RemoveServiceFromRoster removes serviceID from circuitID's roster.
// Idempotent: removing an absent service is a no-op. Returns false if
// circuitID is unknown.
func (t *Table) RemoveServiceFromRoster(circuitID, serviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, ok := t.circuits[circuitID]
	if !ok {
		return false
	}
	out := def.Roster[:0:0]
	for _, s := range def.Roster {
		if s != serviceID {
			out = append(out, s)
		}
	}
	def.Roster = out
	t.circuits[circuitID] = def
	return true
}

// Snapshot returns a full copy of every circuit currently registered, for
// handlers that must examine multiple entries consistently.
func (t *Table) Snapshot() map[string]CircuitDef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]CircuitDef, len(t.circuits))
	for id, def := range t.circuits {
		out[id] = def.clone()
	}
	return out
}

// Reader is the read-only capability view of a Table, handed to
// components that must not mutate circuit state (e.g. dispatch handlers
// that only consult membership).
type Reader interface {
	Lookup(circuitID string) (CircuitDef, bool)
	IsMember(circuitID, serviceID string) bool
	Snapshot() map[string]CircuitDef
}

// Writer is the mutating capability view of a Table, handed to the admin
// service and circuit-admin handlers.
type Writer interface {
	Reader
	PutCircuit(circuitID string, def CircuitDef)
	RemoveCircuit(circuitID string)
	AddServiceToRoster(circuitID, serviceID string) bool
	RemoveServiceFromRoster(circuitID, serviceID string) bool
}

var (
	_ Reader = (*Table)(nil)
	_ Writer = (*Table)(nil)
)
