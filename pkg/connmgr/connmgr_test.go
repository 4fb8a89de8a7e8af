package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/arkmesh/meshd/pkg/auth"
	"github.com/arkmesh/meshd/pkg/mesh"
	"github.com/arkmesh/meshd/pkg/transport"
	"github.com/arkmesh/meshd/pkg/transport/inproctransport"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config, itr *inproctransport.Transport) (*Manager, *mesh.Mesh) {
	t.Helper()
	multi := transport.NewMulti()
	multi.Register(itr)

	authorizers := auth.NewRegistry()
	authorizers.Register("inproc", auth.NewInprocAuthorizer(map[string]string{
		"inproc://server-a": "server-a-identity",
	}))

	m := mesh.New(nil, mesh.Config{}, 0)
	mgr := New(cfg, nil, multi, authorizers, m)
	t.Cleanup(func() {
		mgr.Shutdown()
		m.Shutdown()
	})
	return mgr, m
}

func TestConnmgrInboundAndOutboundAuthorize(t *testing.T) {
	itr := inproctransport.New()
	ln, err := itr.Listen("inproc://server-a")
	require.NoError(t, err)
	defer ln.Close()

	mgr, _ := newTestManager(t, Config{HeartbeatInterval: time.Hour}, itr)

	events := mgr.Subscribe()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		mgr.AddInbound(conn, "inproc")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.RequestOutbound(ctx, "inproc://server-a"))

	seenAuthorized := 0
	deadline := time.After(2 * time.Second)
	for seenAuthorized < 2 {
		select {
		case e := <-events:
			if e.State == StateAuthorized {
				seenAuthorized++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for AUTHORIZED events, saw %d", seenAuthorized)
		}
	}
}

func TestConnmgrRequestOutboundDialFailure(t *testing.T) {
	itr := inproctransport.New()
	mgr, _ := newTestManager(t, Config{HeartbeatInterval: time.Hour}, itr)

	err := mgr.RequestOutbound(context.Background(), "inproc://nobody-listening")
	require.Error(t, err)
}

func TestConnmgrHeartbeatMarksFailedWhenSilent(t *testing.T) {
	itr := inproctransport.New()
	ln, err := itr.Listen("inproc://server-a")
	require.NoError(t, err)
	defer ln.Close()

	mgr, _ := newTestManager(t, Config{HeartbeatInterval: 30 * time.Millisecond}, itr)
	events := mgr.Subscribe()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		mgr.AddInbound(conn, "inproc")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.RequestOutbound(ctx, "inproc://server-a"))

	sawFailed := false
	deadline := time.After(2 * time.Second)
	for !sawFailed {
		select {
		case e := <-events:
			if e.State == StateFailed {
				sawFailed = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for FAILED event from missed heartbeats")
		}
	}
}
