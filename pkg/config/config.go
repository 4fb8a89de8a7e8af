// Package config loads the daemon's on-disk configuration, mirroring the
// teacher's ProtocolConfiguration/ApplicationConfiguration split: this
// module splits into NetworkConfiguration (transport, peer and circuit
// plumbing) and ServiceConfiguration (which in-process services to start),
// decoded from YAML with gopkg.in/yaml.v3's KnownFields(true) exactly the
// way the teacher's config.LoadFile does.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default path to the daemon's config file, used
// when no -config flag is given.
const DefaultConfigPath = "./config/meshd.yml"

// TLS configures a tls:// transport endpoint. All paths are PEM files.
type TLS struct {
	CertFile           string `yaml:"CertFile"`
	KeyFile            string `yaml:"KeyFile"`
	ClientCAFile       string `yaml:"ClientCAFile"`
	InsecureSkipVerify bool   `yaml:"InsecureSkipVerify"`
}

// StoreConfiguration selects and configures the registry/circuit
// persistence backend.
type StoreConfiguration struct {
	// Backend is "yaml" or "bolt". Empty defaults to "yaml".
	Backend string `yaml:"Backend"`
	// Path is a directory for the yaml backend, a file for the bolt one.
	Path string `yaml:"Path"`
}

// NetworkConfiguration configures the node's runtime fabric: listen and
// connect endpoints, heartbeat cadence, and ref-count strictness.
type NetworkConfiguration struct {
	NodeID string `yaml:"NodeID"`

	// IdentityKeyFile holds the node's ed25519 private key, generated on
	// first start and reused on every subsequent one so the node's
	// identity (and its peers' trust of it) survives restarts.
	IdentityKeyFile string `yaml:"IdentityKeyFile"`

	// ListenEndpoints are transport URIs ("tcp://host:port",
	// "tls://host:port", "inproc://name") this node accepts connections on.
	ListenEndpoints []string `yaml:"ListenEndpoints"`
	// ConnectEndpoints are dialed at startup.
	ConnectEndpoints []string `yaml:"ConnectEndpoints"`

	TLS TLS `yaml:"TLS"`

	HeartbeatInterval time.Duration `yaml:"HeartbeatInterval"`
	HandshakeTimeout  time.Duration `yaml:"HandshakeTimeout"`

	// RefCountStrict makes releasing an already-zero PeerRef fatal instead
	// of logged-and-clamped.
	RefCountStrict bool `yaml:"RefCountStrict"`

	BackoffBase    time.Duration `yaml:"BackoffBase"`
	BackoffCeiling time.Duration `yaml:"BackoffCeiling"`
	BadCacheSize   int           `yaml:"BadCacheSize"`

	Store StoreConfiguration `yaml:"Store"`

	// MetricsListenAddress, if non-empty, is the host:port the Prometheus
	// exposition server listens on (e.g. "127.0.0.1:9090"). Left empty,
	// the daemon still registers and updates its collectors but serves
	// nothing, matching a node run with metrics scraping disabled.
	MetricsListenAddress string `yaml:"MetricsListenAddress"`
}

// ServiceDefinition describes one service instance to initialize at
// startup, mirroring orchestrator.ServiceDef's shape for YAML purposes.
type ServiceDefinition struct {
	ID        string            `yaml:"ID"`
	Type      string            `yaml:"Type"`
	CircuitID string            `yaml:"CircuitID"`
	Config    map[string]string `yaml:"Config"`
}

// ServiceConfiguration lists which service factories should be registered
// and which service instances should be created at startup.
type ServiceConfiguration struct {
	// Enabled lists built-in service type names to register factories
	// for, e.g. "echo", "kv", "admin", "health".
	Enabled []string `yaml:"Enabled"`
	// Instances are initialized against the orchestrator once the node
	// has finished assembling its routing table.
	Instances []ServiceDefinition `yaml:"Instances"`
	// AdminKeys lists admin client identities (base58-encoded ed25519
	// public keys). The node trusts each one in the handshake's signature
	// check so a client holding the matching private key can connect. The
	// list is not passed to the admin service's KeyPermissionManager.
	AdminKeys []string `yaml:"AdminKeys"`
}

// Config is the top-level on-disk configuration for a meshd node.
type Config struct {
	NetworkConfiguration NetworkConfiguration `yaml:"NetworkConfiguration"`
	ServiceConfiguration ServiceConfiguration `yaml:"ServiceConfiguration"`
	Logger               Logger               `yaml:"Logger"`
}

func withNetworkDefaults(n NetworkConfiguration) NetworkConfiguration {
	if n.HeartbeatInterval <= 0 {
		n.HeartbeatInterval = 30 * time.Second
	}
	if n.HandshakeTimeout <= 0 {
		n.HandshakeTimeout = 5 * time.Second
	}
	if n.BackoffBase <= 0 {
		n.BackoffBase = time.Second
	}
	if n.BackoffCeiling <= 0 {
		n.BackoffCeiling = 5 * time.Minute
	}
	if n.Store.Backend == "" {
		n.Store.Backend = "yaml"
	}
	return n
}

// LoadFile reads and decodes the config file at path. If relativePath is
// non-empty, relative paths found in the config (log path, store path,
// TLS files) are resolved against it, the way the teacher's
// updateRelativePaths does.
func LoadFile(path string, relativePath ...string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling YAML: %w", err)
	}
	cfg.NetworkConfiguration = withNetworkDefaults(cfg.NetworkConfiguration)

	if len(relativePath) == 1 && relativePath[0] != "" {
		updateRelativePaths(relativePath[0], &cfg)
	}

	if err := cfg.Logger.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.NetworkConfiguration.NodeID == "" {
		return Config{}, fmt.Errorf("config: NetworkConfiguration.NodeID is required")
	}

	return cfg, nil
}

func updateRelativePaths(relativePath string, cfg *Config) {
	updatePath := func(path *string) {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(relativePath, *path)
		}
	}
	updatePath(&cfg.Logger.Path)
	updatePath(&cfg.NetworkConfiguration.Store.Path)
	updatePath(&cfg.NetworkConfiguration.TLS.CertFile)
	updatePath(&cfg.NetworkConfiguration.TLS.KeyFile)
	updatePath(&cfg.NetworkConfiguration.TLS.ClientCAFile)
	updatePath(&cfg.NetworkConfiguration.IdentityKeyFile)
}
