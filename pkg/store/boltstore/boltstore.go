// Package boltstore implements pkg/store.Store on top of a single bbolt
// database file, as an alternative to the plain-YAML-directory layout in
// pkg/store/yamlstore behind the identical Store interface. Values are
// still YAML-encoded (gopkg.in/yaml.v3) before being stored as bbolt
// values, keeping one serialization format across both backends; only the
// container differs.
package boltstore

import (
	"fmt"

	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/arkmesh/meshd/pkg/store"
	"go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

// DefaultDBSize is carried over verbatim from the Splinter original's
// admin store sizing constant. The 1028 (not 1024) is intentional: it is
// the literal value the original uses, preserved rather than "corrected".
const DefaultDBSize = 1028 * 1028 * 1028

var (
	bucketName           = []byte("meshd")
	circuitsKey          = []byte("circuits.yaml")
	circuitProposalsKey  = []byte("circuit_proposals.yaml")
	localRegistryKey     = []byte("local_registry.yaml")
)

type circuitDefYAML struct {
	Members []string `yaml:"members"`
	Roster  []string `yaml:"roster"`
}

type circuitsYAML struct {
	Circuits map[string]circuitDefYAML `yaml:"circuits"`
}

type registryYAML struct {
	Nodes map[string]string `yaml:"nodes"`
}

// Store is a boltstore.Store backed by a single bbolt file at path.
type Store struct {
	path string
	db   *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// New creates a Store that will open its database file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Open implements store.Store.
func (s *Store) Open() error {
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{InitialMmapSize: DefaultDBSize})
	if err != nil {
		return fmt.Errorf("boltstore: opening %q: %w", s.path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("boltstore: creating bucket: %w", err)
	}
	s.db = db
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Circuits implements store.Store.
func (s *Store) Circuits() (store.CircuitState, error) {
	active, err := s.readCircuits(circuitsKey)
	if err != nil {
		return store.CircuitState{}, fmt.Errorf("boltstore: reading circuits: %w", err)
	}
	proposed, err := s.readCircuits(circuitProposalsKey)
	if err != nil {
		return store.CircuitState{}, fmt.Errorf("boltstore: reading circuit proposals: %w", err)
	}
	return store.CircuitState{Circuits: active, Proposals: proposed}, nil
}

// SaveCircuits implements store.Store.
func (s *Store) SaveCircuits(cs store.CircuitState) error {
	if err := s.writeCircuits(circuitsKey, cs.Circuits); err != nil {
		return fmt.Errorf("boltstore: writing circuits: %w", err)
	}
	if err := s.writeCircuits(circuitProposalsKey, cs.Proposals); err != nil {
		return fmt.Errorf("boltstore: writing circuit proposals: %w", err)
	}
	return nil
}

// Registry implements store.Store.
func (s *Store) Registry() (store.NodeRegistry, error) {
	var reg registryYAML
	found, err := s.readValue(localRegistryKey, &reg)
	if err != nil {
		return store.NodeRegistry{}, fmt.Errorf("boltstore: reading registry: %w", err)
	}
	if !found || reg.Nodes == nil {
		return store.NodeRegistry{Nodes: map[string]string{}}, nil
	}
	return store.NodeRegistry{Nodes: reg.Nodes}, nil
}

// SaveRegistry implements store.Store.
func (s *Store) SaveRegistry(reg store.NodeRegistry) error {
	if err := s.writeValue(localRegistryKey, registryYAML{Nodes: reg.Nodes}); err != nil {
		return fmt.Errorf("boltstore: writing registry: %w", err)
	}
	return nil
}

func (s *Store) readCircuits(key []byte) (map[string]routing.CircuitDef, error) {
	var doc circuitsYAML
	found, err := s.readValue(key, &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]routing.CircuitDef{}, nil
	}
	out := make(map[string]routing.CircuitDef, len(doc.Circuits))
	for id, def := range doc.Circuits {
		out[id] = routing.CircuitDef{Members: def.Members, Roster: def.Roster}
	}
	return out, nil
}

func (s *Store) writeCircuits(key []byte, defs map[string]routing.CircuitDef) error {
	doc := circuitsYAML{Circuits: make(map[string]circuitDefYAML, len(defs))}
	for id, def := range defs {
		doc.Circuits[id] = circuitDefYAML{Members: def.Members, Roster: def.Roster}
	}
	return s.writeValue(key, doc)
}

func (s *Store) readValue(key []byte, out interface{}) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(key)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) writeValue(key []byte, in interface{}) error {
	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(key, raw)
	})
}
