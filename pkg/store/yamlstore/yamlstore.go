// Package yamlstore implements pkg/store.Store over a state directory
// containing circuits.yaml, circuit_proposals.yaml, and
// local_registry.yaml, the literal layout named in the persisted-state
// section of the daemon's external interfaces, decoded with
// gopkg.in/yaml.v3 the same way pkg/config decodes the node's own
// configuration file (KnownFields(true), so a typo'd key fails loudly
// instead of being silently dropped).
package yamlstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/arkmesh/meshd/pkg/store"
	"gopkg.in/yaml.v3"
)

const (
	circuitsFile          = "circuits.yaml"
	circuitProposalsFile  = "circuit_proposals.yaml"
	localRegistryFile     = "local_registry.yaml"
	defaultFileMode       = 0o644
	defaultDirectoryMode  = 0o755
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

// Store is a yamlstore.Store rooted at a state directory on disk.
type Store struct {
	dir string
}

var _ store.Store = (*Store)(nil)

// New creates a Store rooted at dir. Open creates dir if it does not
// already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Open implements store.Store.
func (s *Store) Open() error {
	if err := os.MkdirAll(s.dir, defaultDirectoryMode); err != nil {
		return fmt.Errorf("yamlstore: creating state directory %q: %w", s.dir, err)
	}
	return nil
}

// Close implements store.Store. The YAML backend holds no open handles
// between calls, so Close is a no-op.
func (s *Store) Close() error { return nil }

// Circuits implements store.Store.
func (s *Store) Circuits() (store.CircuitState, error) {
	active, err := readCircuits(filepath.Join(s.dir, circuitsFile))
	if err != nil {
		return store.CircuitState{}, fmt.Errorf("yamlstore: reading %s: %w", circuitsFile, err)
	}
	proposed, err := readCircuits(filepath.Join(s.dir, circuitProposalsFile))
	if err != nil {
		return store.CircuitState{}, fmt.Errorf("yamlstore: reading %s: %w", circuitProposalsFile, err)
	}
	return store.CircuitState{Circuits: active, Proposals: proposed}, nil
}

// SaveCircuits implements store.Store.
func (s *Store) SaveCircuits(cs store.CircuitState) error {
	if err := writeCircuits(filepath.Join(s.dir, circuitsFile), cs.Circuits); err != nil {
		return fmt.Errorf("yamlstore: writing %s: %w", circuitsFile, err)
	}
	if err := writeCircuits(filepath.Join(s.dir, circuitProposalsFile), cs.Proposals); err != nil {
		return fmt.Errorf("yamlstore: writing %s: %w", circuitProposalsFile, err)
	}
	return nil
}

// Registry implements store.Store.
func (s *Store) Registry() (store.NodeRegistry, error) {
	path := filepath.Join(s.dir, localRegistryFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store.NodeRegistry{Nodes: map[string]string{}}, nil
	}
	if err != nil {
		return store.NodeRegistry{}, fmt.Errorf("yamlstore: reading %s: %w", localRegistryFile, err)
	}
	var reg registryYAML
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil {
		return store.NodeRegistry{}, fmt.Errorf("yamlstore: decoding %s: %w", localRegistryFile, err)
	}
	if reg.Nodes == nil {
		reg.Nodes = map[string]string{}
	}
	return store.NodeRegistry{Nodes: reg.Nodes}, nil
}

// SaveRegistry implements store.Store.
func (s *Store) SaveRegistry(reg store.NodeRegistry) error {
	out := registryYAML{Nodes: reg.Nodes}
	b, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("yamlstore: encoding %s: %w", localRegistryFile, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, localRegistryFile), b, defaultFileMode); err != nil {
		return fmt.Errorf("yamlstore: writing %s: %w", localRegistryFile, err)
	}
	return nil
}

func readCircuits(path string) (map[string]routing.CircuitDef, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]routing.CircuitDef{}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc circuitsYAML
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	out := make(map[string]routing.CircuitDef, len(doc.Circuits))
	for id, def := range doc.Circuits {
		out[id] = routing.CircuitDef{Members: def.Members, Roster: def.Roster}
	}
	return out, nil
}

func writeCircuits(path string, defs map[string]routing.CircuitDef) error {
	doc := circuitsYAML{Circuits: make(map[string]circuitDefYAML, len(defs))}
	for id, def := range defs {
		doc.Circuits[id] = circuitDefYAML{Members: def.Members, Roster: def.Roster}
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, defaultFileMode)
}
