package node

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/admin"
	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/arkmesh/meshd/pkg/config"
	"github.com/arkmesh/meshd/pkg/connmgr"
	"github.com/arkmesh/meshd/pkg/health"
	"github.com/arkmesh/meshd/pkg/orchestrator"
	"github.com/arkmesh/meshd/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		NetworkConfiguration: config.NetworkConfiguration{
			NodeID:            "node-under-test",
			HeartbeatInterval: time.Second,
			HandshakeTimeout:  time.Second,
			BackoffBase:       time.Millisecond,
			BackoffCeiling:    time.Millisecond,
			BadCacheSize:      16,
			Store: config.StoreConfiguration{
				Backend: "yaml",
				Path:    filepath.Join(t.TempDir(), "state"),
			},
		},
		ServiceConfiguration: config.ServiceConfiguration{
			Enabled: []string{"echo", "admin", "health"},
			Instances: []config.ServiceDefinition{
				{ID: "echo-1", Type: "echo", CircuitID: "circuit-1"},
			},
		},
	}
}

func TestNewAssemblesEveryComponent(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, n.mesh)
	require.NotNil(t, n.connMgr)
	require.NotNil(t, n.peerMgr)
	require.NotNil(t, n.interconn)
	require.NotNil(t, n.orch)
	require.NotNil(t, n.networkLoop)
	require.NotNil(t, n.circuitLoop)
	require.NotNil(t, n.registry)

	n.Shutdown()
}

func TestRunInitializesBuiltinAndConfiguredServices(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Run(ctx))

	state, ok := n.orch.State(admin.ServiceID)
	require.True(t, ok)
	require.Equal(t, orchestrator.StateStarted, state)

	state, ok = n.orch.State(health.ServiceID)
	require.True(t, ok)
	require.Equal(t, orchestrator.StateStarted, state)

	state, ok = n.orch.State("echo-1")
	require.True(t, ok)
	require.Equal(t, orchestrator.StateStarted, state)

	n.Shutdown()

	_, ok = n.orch.State(admin.ServiceID)
	require.False(t, ok)
	_, ok = n.orch.State("echo-1")
	require.False(t, ok)
}

func TestRunSkipsBuiltinsWhenNotEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServiceConfiguration.Enabled = []string{"echo"}
	n, err := New(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, n.Run(context.Background()))

	_, ok := n.orch.State(admin.ServiceID)
	require.False(t, ok)
	_, ok = n.orch.State(health.ServiceID)
	require.False(t, ok)

	n.Shutdown()
}

type recordingDispatchSender struct {
	mu   sync.Mutex
	to   string
	sent [][]byte
}

func (s *recordingDispatchSender) Send(_ context.Context, peerID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = peerID
	s.sent = append(s.sent, payload)
	return nil
}

func TestEchoHandlerWrapsPayloadAndRepliesToSource(t *testing.T) {
	sender := &recordingDispatchSender{}
	require.NoError(t, echoHandler(context.Background(), "peer-a", []byte("ping"), sender))

	require.Equal(t, "peer-a", sender.to)
	require.Len(t, sender.sent, 1)

	nm := &wire.NetworkMessage{}
	require.NoError(t, wire.DecodeMessage(sender.sent[0], nm))
	require.Equal(t, wire.NetworkMessageEcho, nm.Type)
	require.Equal(t, []byte("ping"), nm.Payload)
}

func TestHeartbeatHandlerTouchesIdentityWithoutError(t *testing.T) {
	cm := connmgr.New(connmgr.Config{}, nil, nil, nil, nil)
	defer cm.Shutdown()

	h := heartbeatHandler(cm)
	require.NoError(t, h(context.Background(), "peer-a", nil, nil))
}

func TestForwardingSenderErrorsUntilSet(t *testing.T) {
	s := &forwardingSender{}
	err := s.Send(context.Background(), "peer-a", []byte("x"))
	require.Error(t, err)

	inner := &recordingDispatchSender{}
	s.set(inner)
	require.NoError(t, s.Send(context.Background(), "peer-a", []byte("x")))
	require.Equal(t, "peer-a", inner.to)
}

func TestSchemeOfParsesURIPrefix(t *testing.T) {
	require.Equal(t, "tcp", schemeOf("tcp://127.0.0.1:4000"))
	require.Equal(t, "inproc", schemeOf("inproc://admin-service"))
	require.Equal(t, "", schemeOf("not-a-uri"))
}

func TestTrustAdminKeysRegistersEachIdentity(t *testing.T) {
	admin1, err := signedauth.Generate()
	require.NoError(t, err)
	admin2, err := signedauth.Generate()
	require.NoError(t, err)

	verifiers := signedauth.NewRegistry()
	require.NoError(t, trustAdminKeys(verifiers, []string{admin1.Identity(), admin2.Identity()}))

	for _, kp := range []*signedauth.KeyPair{admin1, admin2} {
		nonce := []byte("nonce")
		sig, err := kp.Sign(nonce)
		require.NoError(t, err)
		require.NoError(t, verifiers.Verify(kp.Identity(), nonce, sig))
	}
}

func TestTrustAdminKeysRejectsMalformedIdentity(t *testing.T) {
	verifiers := signedauth.NewRegistry()
	err := trustAdminKeys(verifiers, []string{"not-base58-!!!"})
	require.Error(t, err)
}

func TestCircuitsCreatedByAdminSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Run(context.Background()))

	msg := orchestrator.ServiceMessage{
		SenderID:    "node-a",
		RecipientID: admin.ServiceID,
		Payload:     []byte("CREATE_CIRCUIT circuit-9 node-a,node-b echo-9"),
	}
	require.NoError(t, n.orch.Deliver(context.Background(), msg))

	// Deliver is async (handed to the service's own processor loop), so
	// poll briefly for the write to land before restarting.
	require.Eventually(t, func() bool {
		_, ok := n.routing.Lookup("circuit-9")
		return ok
	}, time.Second, 10*time.Millisecond)

	n.Shutdown()

	n2, err := New(cfg, nil)
	require.NoError(t, err)
	defer n2.Shutdown()

	def, ok := n2.routing.Lookup("circuit-9")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"node-a", "node-b"}, def.Members)
	require.Equal(t, []string{"echo-9"}, def.Roster)
}

func TestNewDispatchLoopsStartWithEmptyQueues(t *testing.T) {
	n, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer n.Shutdown()

	require.Equal(t, 0, n.networkLoop.QueueDepth())
	require.Equal(t, 0, n.circuitLoop.QueueDepth())
}

func TestNewTrustsConfiguredAdminKeys(t *testing.T) {
	adminIdentity, err := signedauth.Generate()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.ServiceConfiguration.AdminKeys = []string{adminIdentity.Identity()}

	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	nonce := []byte("nonce")
	sig, err := adminIdentity.Sign(nonce)
	require.NoError(t, err)
	require.NoError(t, n.verifiers.Verify(adminIdentity.Identity(), nonce, sig))
}
