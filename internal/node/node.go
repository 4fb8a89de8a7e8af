// Package node assembles every daemon component into a single running
// Node in dependency order, and tears them down in the documented reverse
// order at shutdown: admin service, orchestrator, peer manager, connection
// manager, dispatch loops, Mesh.
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arkmesh/meshd/internal/metrics"
	"github.com/arkmesh/meshd/pkg/admin"
	"github.com/arkmesh/meshd/pkg/auth"
	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/arkmesh/meshd/pkg/circuit"
	"github.com/arkmesh/meshd/pkg/config"
	"github.com/arkmesh/meshd/pkg/connmgr"
	"github.com/arkmesh/meshd/pkg/dispatch"
	"github.com/arkmesh/meshd/pkg/health"
	"github.com/arkmesh/meshd/pkg/interconnect"
	"github.com/arkmesh/meshd/pkg/mesh"
	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/peermgr"
	"github.com/arkmesh/meshd/pkg/routing"
	"github.com/arkmesh/meshd/pkg/service/echo"
	"github.com/arkmesh/meshd/pkg/service/kv"
	"github.com/arkmesh/meshd/pkg/store"
	"github.com/arkmesh/meshd/pkg/store/boltstore"
	"github.com/arkmesh/meshd/pkg/store/yamlstore"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/arkmesh/meshd/pkg/transport/tcptransport"
	"github.com/arkmesh/meshd/pkg/transport/tlstransport"
	"github.com/arkmesh/meshd/pkg/transport/wstransport"
	"github.com/arkmesh/meshd/pkg/wire"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

const (
	networkQueueCapacity = 512
	circuitQueueCapacity = 512
	drainDeadline        = 2 * time.Second
	meshRecvCapacity     = 512
)

// Node owns every long-lived component of a running meshd daemon.
type Node struct {
	log *zap.Logger
	cfg config.Config

	identity  *signedauth.KeyPair
	verifiers *signedauth.Registry

	transports *transport.Multi
	listeners  []transport.Listener

	mesh        *mesh.Mesh
	connMgr     *connmgr.Manager
	peerMgr     *peermgr.Manager
	interconn   *interconnect.Interconnect
	routing     *routing.Table
	orch        *orchestrator.Orchestrator
	networkLoop *dispatch.DispatchLoop[wire.NetworkMessageType]
	circuitLoop *dispatch.DispatchLoop[wire.CircuitMessageType]
	registry    store.Store
	metricsSrv  *http.Server

	wg sync.WaitGroup
}

// forwardingSender is a dispatch.Sender whose destination can be set after
// construction, resolving the construction-order cycle between a
// DispatchLoop (which needs a Sender up front) and the interconnect (which
// needs the loop's ingress channel).
type forwardingSender struct {
	mu sync.RWMutex
	to dispatch.Sender
}

func (s *forwardingSender) set(to dispatch.Sender) {
	s.mu.Lock()
	s.to = to
	s.mu.Unlock()
}

func (s *forwardingSender) Send(ctx context.Context, peerID string, payload []byte) error {
	s.mu.RLock()
	to := s.to
	s.mu.RUnlock()
	if to == nil {
		return fmt.Errorf("node: network sender not yet initialized")
	}
	return to.Send(ctx, peerID, payload)
}

// orchestratorDeliverer adapts Orchestrator.Deliver to circuit.Deliverer
// without pkg/circuit importing pkg/orchestrator.
type orchestratorDeliverer struct {
	orch *orchestrator.Orchestrator
}

func (d orchestratorDeliverer) Deliver(ctx context.Context, circuitID, senderID, recipientID, correlationID string, payload []byte) error {
	return d.orch.Deliver(ctx, orchestrator.ServiceMessage{
		CircuitID:     circuitID,
		SenderID:      senderID,
		RecipientID:   recipientID,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}

// New assembles a Node from cfg without starting network listeners or
// outbound connections; call Run to do that.
func New(cfg config.Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}

	identity, err := loadIdentity(cfg.NetworkConfiguration)
	if err != nil {
		return nil, err
	}
	log.Info("node identity", zap.String("identity", identity.Identity()))

	verifiers := signedauth.NewRegistry()
	verifiers.TrustSelf(identity)
	if err := trustAdminKeys(verifiers, cfg.ServiceConfiguration.AdminKeys); err != nil {
		return nil, err
	}

	transports, err := buildTransports(cfg.NetworkConfiguration)
	if err != nil {
		return nil, err
	}

	authorizers := auth.NewRegistry()
	for _, scheme := range []string{"tcp", "tls", "ws"} {
		authorizers.Register(scheme, auth.NewRemoteAuthorizer(scheme, identity, verifiers))
	}
	authorizers.Register("inproc", auth.NewInprocAuthorizer(map[string]string{
		"inproc://admin-service":  admin.ServiceID,
		"inproc://health-service": health.ServiceID,
	}))

	m := mesh.New(log, mesh.Config{}, meshRecvCapacity)

	connMgr := connmgr.New(connmgr.Config{
		HeartbeatInterval: cfg.NetworkConfiguration.HeartbeatInterval,
		HandshakeTimeout:  cfg.NetworkConfiguration.HandshakeTimeout,
	}, log, transports, authorizers, m)

	peerMgr := peermgr.New(peermgr.Config{
		Strict:         cfg.NetworkConfiguration.RefCountStrict,
		BackoffBase:    cfg.NetworkConfiguration.BackoffBase,
		BackoffCeiling: cfg.NetworkConfiguration.BackoffCeiling,
		BadCacheSize:   cfg.NetworkConfiguration.BadCacheSize,
	}, log, connMgr)

	networkDispatcher := dispatch.NewDispatcher[wire.NetworkMessageType]()
	netSender := &forwardingSender{}
	networkLoop := dispatch.NewNetworkDispatchLoop(log, networkDispatcher, netSender, networkQueueCapacity, drainDeadline)

	interconn := interconnect.New(log, m, networkLoop.NewDispatcherSender())
	interconn.WatchConnmgr(connMgr.Subscribe())
	netSender.set(interconn)

	bridgeSender := circuit.NetworkBridgeSender{Network: interconn}

	circuitDispatcher := dispatch.NewDispatcher[wire.CircuitMessageType]()
	circuitLoop := dispatch.NewCircuitDispatchLoop(log, circuitDispatcher, bridgeSender, circuitQueueCapacity, drainDeadline)

	networkDispatcher.Register(wire.NetworkMessageCircuit, circuit.ForwardToCircuitLoop(circuitLoop.NewDispatcherSender()))
	networkDispatcher.Register(wire.NetworkMessageEcho, echoHandler)
	networkDispatcher.Register(wire.NetworkMessageHeartbeat, heartbeatHandler(connMgr))

	table := routing.New()

	registry, err := buildStore(cfg.NetworkConfiguration.Store)
	if err != nil {
		return nil, err
	}
	if err := loadPersistedCircuits(registry, table); err != nil {
		_ = registry.Close()
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{}, log, bridgeSender)
	registerServiceFactories(orch, cfg.ServiceConfiguration, table, peerMgr, identity.Identity(), log, registry)

	handlers := circuit.New(log, table, orchestratorDeliverer{orch: orch})
	handlers.Register(circuitDispatcher)

	n := &Node{
		log:         log,
		cfg:         cfg,
		identity:    identity,
		verifiers:   verifiers,
		transports:  transports,
		mesh:        m,
		connMgr:     connMgr,
		peerMgr:     peerMgr,
		interconn:   interconn,
		routing:     table,
		orch:        orch,
		networkLoop: networkLoop,
		circuitLoop: circuitLoop,
		registry:    registry,
	}
	return n, nil
}

// loadPersistedCircuits seeds table from the registry store's last saved
// circuit state, so routing survives a restart instead of starting empty
// every time. Proposed-but-not-activated circuits are loaded the same as
// active ones: this daemon has no separate propose/activate phase and the
// admin service always saves an empty proposal set, so any proposal found
// here was written by hand or by another tool.
func loadPersistedCircuits(registry store.Store, table *routing.Table) error {
	cs, err := registry.Circuits()
	if err != nil {
		return fmt.Errorf("node: loading persisted circuits: %w", err)
	}
	for id, def := range cs.Circuits {
		table.PutCircuit(id, def)
	}
	for id, def := range cs.Proposals {
		table.PutCircuit(id, def)
	}
	return nil
}

// trustAdminKeys registers every configured admin identity in verifiers so
// that a meshctl client signing with the matching private key passes the
// handshake's signature check. An admin identity is itself the base58
// encoding of its ed25519 public key (the same convention signedauth.KeyPair
// uses for peer identities), so the key material needs no separate field.
func trustAdminKeys(verifiers *signedauth.Registry, adminKeys []string) error {
	for _, identity := range adminKeys {
		pub, err := base58.Decode(identity)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("node: AdminKeys entry %q is not a valid base58 ed25519 public key", identity)
		}
		verifiers.Trust(identity, pub)
	}
	return nil
}

func loadIdentity(netcfg config.NetworkConfiguration) (*signedauth.KeyPair, error) {
	if netcfg.IdentityKeyFile == "" {
		return signedauth.Generate()
	}
	return signedauth.LoadOrGenerate(netcfg.IdentityKeyFile)
}

func buildTransports(netcfg config.NetworkConfiguration) (*transport.Multi, error) {
	multi := transport.NewMulti()
	multi.Register(tcptransport.New())
	multi.Register(wstransport.New())
	multi.Register(inproctransport.New())

	tlsCfg, err := buildTLSTransport(netcfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		multi.Register(tlsCfg)
	}
	return multi, nil
}

func buildTLSTransport(cfg config.TLS) (*tlstransport.Transport, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return tlstransport.New(nil, &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}), nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("node: loading TLS key pair: %w", err)
	}
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: cfg.InsecureSkipVerify}
	return tlstransport.New(serverCfg, clientCfg), nil
}

func buildStore(cfg config.StoreConfiguration) (store.Store, error) {
	path := cfg.Path
	switch cfg.Backend {
	case "", "yaml":
		if path == "" {
			path = "./state"
		}
		s := yamlstore.New(path)
		if err := s.Open(); err != nil {
			return nil, err
		}
		return s, nil
	case "bolt":
		if path == "" {
			path = "./state/meshd.db"
		}
		s := boltstore.New(path)
		if err := s.Open(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("node: unknown store backend %q", cfg.Backend)
	}
}

func registerServiceFactories(orch *orchestrator.Orchestrator, svcCfg config.ServiceConfiguration, table *routing.Table, peers *peermgr.Manager, nodeID string, log *zap.Logger, registry store.Store) {
	available := map[string]orchestrator.ServiceFactory{
		"echo":   echo.Factory{},
		"kv":     kv.Factory{},
		"admin":  admin.Factory{Table: table, Perms: admin.AllowAll{}, Log: log, Registry: registry},
		"health": health.Factory{NodeID: nodeID, Peers: peers, Table: table},
	}
	for _, name := range svcCfg.Enabled {
		f, ok := available[name]
		if !ok {
			log.Warn("unknown service type in configuration, skipping", zap.String("type", name))
			continue
		}
		orch.RegisterFactory(name, f)
	}
}

func echoHandler(ctx context.Context, sourcePeerID string, payload []byte, sender dispatch.Sender) error {
	nm := wire.NetworkMessage{Type: wire.NetworkMessageEcho, Payload: payload}
	encoded, err := wire.EncodeMessage(&nm)
	if err != nil {
		return fmt.Errorf("node: encoding ECHO reply: %w", err)
	}
	return sender.Send(ctx, sourcePeerID, encoded)
}

func heartbeatHandler(connMgr *connmgr.Manager) dispatch.Handler[wire.NetworkMessageType] {
	return func(_ context.Context, sourcePeerID string, _ []byte, _ dispatch.Sender) error {
		connMgr.TouchIdentity(sourcePeerID)
		return nil
	}
}

// Run starts listening on every configured endpoint and dials every
// configured outbound connect endpoint. It does not block.
func (n *Node) Run(ctx context.Context) error {
	if err := n.initializeBuiltinServices(); err != nil {
		return err
	}

	for _, def := range n.cfg.ServiceConfiguration.Instances {
		if err := n.orch.InitializeService(orchestrator.ServiceDef{
			ID:        def.ID,
			Type:      def.Type,
			CircuitID: def.CircuitID,
			Config:    def.Config,
		}); err != nil {
			return fmt.Errorf("node: initializing service %q: %w", def.ID, err)
		}
	}

	for _, endpoint := range n.cfg.NetworkConfiguration.ListenEndpoints {
		if err := n.listen(endpoint); err != nil {
			return err
		}
	}
	for _, endpoint := range n.cfg.NetworkConfiguration.ConnectEndpoints {
		if err := n.connMgr.RequestOutbound(ctx, endpoint); err != nil {
			n.log.Warn("initial outbound connect failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}

	if addr := n.cfg.NetworkConfiguration.MetricsListenAddress; addr != "" {
		n.metricsSrv = metrics.Serve(addr, n.log)
	}

	n.wg.Add(1)
	go n.reportMetricsLoop(ctx)
	return nil
}

// initializeBuiltinServices initializes admin-service and health-service
// in the orchestrator under their well-known service IDs whenever their
// factories were registered, so they come up without needing an explicit
// Instances entry.
func (n *Node) initializeBuiltinServices() error {
	builtins := []struct {
		id, serviceType string
	}{
		{admin.ServiceID, "admin"},
		{health.ServiceID, "health"},
	}
	for _, b := range builtins {
		if !containsString(n.cfg.ServiceConfiguration.Enabled, b.serviceType) {
			continue
		}
		if err := n.orch.InitializeService(orchestrator.ServiceDef{ID: b.id, Type: b.serviceType}); err != nil {
			return fmt.Errorf("node: initializing built-in service %q: %w", b.id, err)
		}
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (n *Node) listen(endpoint string) error {
	ln, err := n.transports.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("node: listening on %q: %w", endpoint, err)
	}
	n.listeners = append(n.listeners, ln)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				if acceptErr.Fatal {
					n.log.Error("listener stopped", zap.String("endpoint", endpoint), zap.Error(acceptErr))
					return
				}
				n.log.Warn("rejected inbound connection", zap.String("endpoint", endpoint), zap.Error(acceptErr))
				continue
			}
			n.connMgr.AddInbound(conn, schemeOf(endpoint))
		}
	}()
	return nil
}

func schemeOf(endpoint string) string {
	i := strings.Index(endpoint, "://")
	if i < 0 {
		return ""
	}
	return endpoint[:i]
}

func (n *Node) reportMetricsLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.SetPeerCount(n.peerMgr.PeerCount())
			metrics.SetDispatchQueueDepth("network", n.networkLoop.QueueDepth())
			metrics.SetDispatchQueueDepth("circuit", n.circuitLoop.QueueDepth())
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tears every component down in the documented reverse-of-startup
// order: admin service, the rest of the orchestrator's services, peer
// manager, connection manager, dispatch loops, Mesh.
func (n *Node) Shutdown() {
	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
		if err := metrics.Shutdown(ctx, n.metricsSrv); err != nil {
			n.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	for _, ln := range n.listeners {
		_ = ln.Close()
	}

	if state, ok := n.orch.State(admin.ServiceID); ok && state == orchestrator.StateStarted {
		if err := n.orch.ShutdownService(admin.ServiceID); err != nil {
			n.log.Warn("admin service shutdown failed", zap.Error(err))
		}
	}
	n.orch.Shutdown()

	n.peerMgr.Shutdown()
	n.connMgr.Shutdown()

	n.networkLoop.ShutdownSignaler()()
	n.circuitLoop.ShutdownSignaler()()
	n.networkLoop.Wait()
	n.circuitLoop.Wait()

	n.interconn.Shutdown()
	n.mesh.Shutdown()

	if n.registry != nil {
		if err := n.registry.Close(); err != nil {
			n.log.Warn("registry store close failed", zap.Error(err))
		}
	}

	n.wg.Wait()
}
