// Package peermgr binds logical peer identities to connections. Adapted
// from the teacher's pkg/addrmgr good/new/bad address-bucket idiom,
// generalized from a bare address book into the spec's PeerRef-counted
// peer model with identity re-keying and reconnect backoff.
package peermgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkmesh/meshd/pkg/connmgr"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const (
	defaultBadEndpointCacheSize = 2000
	defaultBackoffBase          = time.Second
	defaultBackoffCeiling       = 5 * time.Minute
)

// Config tunes reconnect backoff, ref-count strictness, and the bad-address
// cache size.
type Config struct {
	// Strict, if true, makes releasing a PeerRef whose count is already
	// zero fatal instead of logged-and-clamped.
	Strict bool

	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	BadCacheSize   int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = defaultBackoffCeiling
	}
	if c.BadCacheSize <= 0 {
		c.BadCacheSize = defaultBadEndpointCacheSize
	}
	return c
}

// peerEntry is the peer manager's internal bookkeeping for one logical
// peer. key is either a verified identity or, before identification, the
// endpoint it was first seen at.
type peerEntry struct {
	key        string
	identity   string // empty until learned from the handshake
	endpoints  []string
	refCount   int
	retries    int
	reconnectAt time.Time
}

// PeerRef is an opaque reference to an acquired peer. Release decrements
// the peer's reference count.
type PeerRef struct {
	mgr *Manager
	key string
	once sync.Once
}

// Release decrements the referenced peer's count. Safe to call more than
// once; only the first call has effect.
func (r *PeerRef) Release() {
	r.once.Do(func() { r.mgr.release(r.key) })
}

// Manager binds peer identities to connections and drives reconnects.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	connmgr *connmgr.Manager
	bad     *lru.Cache

	mu    sync.Mutex
	peers map[string]*peerEntry

	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a Manager. cm is used to issue outbound reconnect attempts
// and to observe FAILED notifications.
func New(cfg Config, log *zap.Logger, cm *connmgr.Manager) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New(cfg.BadCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size, which withDefaults
		// rules out.
		panic(fmt.Sprintf("peermgr: constructing bad-address cache: %v", err))
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		connmgr: cm,
		bad:     cache,
		peers:   make(map[string]*peerEntry),
		done:    make(chan struct{}),
	}
	if cm != nil {
		m.wg.Add(1)
		go m.watch(cm.Subscribe())
	}
	return m
}

// AddPeer acquires (or increments) the peer known by identity endpoint.
// The identity is asserted up front (e.g. a statically configured seed
// peer); use AddUnidentifiedPeer when it will only be learned from the
// handshake.
func (m *Manager) AddPeer(identity, endpoint string) *PeerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[identity]
	if !ok {
		e = &peerEntry{key: identity, identity: identity, endpoints: []string{endpoint}}
		m.peers[identity] = e
	} else if !containsString(e.endpoints, endpoint) {
		e.endpoints = append(e.endpoints, endpoint)
	}
	e.refCount++
	return &PeerRef{mgr: m, key: e.key}
}

// AddUnidentifiedPeer acquires (or increments) a peer keyed temporarily by
// endpoint; Authorize events re-key it to the learned identity.
func (m *Manager) AddUnidentifiedPeer(endpoint string) *PeerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[endpoint]
	if !ok {
		e = &peerEntry{key: endpoint, endpoints: []string{endpoint}}
		m.peers[endpoint] = e
	}
	e.refCount++
	return &PeerRef{mgr: m, key: e.key}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[key]
	if !ok {
		return
	}
	if e.refCount <= 0 {
		if m.cfg.Strict {
			m.log.Fatal("peer ref count underflow with strict policy enabled", zap.String("peer", key))
			return
		}
		m.log.Warn("peer ref count underflow, clamping at zero", zap.String("peer", key))
		e.refCount = 0
		return
	}
	e.refCount--
}

// Connector is a cloneable handle other components use to issue AddPeer/
// AddUnidentifiedPeer operations without holding a *Manager directly.
type Connector struct {
	mgr *Manager
}

// Connector returns a cloneable handle bound to this Manager.
func (m *Manager) Connector() Connector { return Connector{mgr: m} }

// AddPeer delegates to the bound Manager.
func (c Connector) AddPeer(identity, endpoint string) *PeerRef {
	return c.mgr.AddPeer(identity, endpoint)
}

// AddUnidentifiedPeer delegates to the bound Manager.
func (c Connector) AddUnidentifiedPeer(endpoint string) *PeerRef {
	return c.mgr.AddUnidentifiedPeer(endpoint)
}

// MarkBad records endpoint as having failed to connect past the point worth
// retrying indefinitely, bounding the remembered set with an LRU eviction
// policy (hashicorp/golang-lru), unlike the teacher's unbounded map.
func (m *Manager) MarkBad(endpoint string) {
	m.bad.Add(endpoint, time.Now())
}

// IsBad reports whether endpoint is in the bad-address cache.
func (m *Manager) IsBad(endpoint string) bool {
	return m.bad.Contains(endpoint)
}

// PeerCount returns the number of distinct logical peers currently tracked,
// identified or not. Used by the health service to report mesh size.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) watch(events <-chan connmgr.Event) {
	defer m.wg.Done()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(e)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handleEvent(e connmgr.Event) {
	switch e.State {
	case connmgr.StateAuthorized:
		if e.Identity != "" {
			m.reKey(e.Endpoint, e.Identity)
		}
	case connmgr.StateFailed:
		m.scheduleReconnect(e.Endpoint)
	}
}

// reKey merges an unidentified peer entry, keyed by endpoint, into the
// identity it was just authorized under. Two peers reporting the same
// identity from different endpoints merge into one; the later endpoint
// becomes an alternate candidate.
func (m *Manager) reKey(endpoint, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.peers[endpoint]
	if !ok || old.identity == identity {
		return
	}
	delete(m.peers, endpoint)

	if existing, ok := m.peers[identity]; ok {
		existing.refCount += old.refCount
		for _, ep := range old.endpoints {
			if !containsString(existing.endpoints, ep) {
				existing.endpoints = append(existing.endpoints, ep)
			}
		}
		return
	}
	old.key = identity
	old.identity = identity
	m.peers[identity] = old
}

func (m *Manager) scheduleReconnect(endpoint string) {
	if m.IsBad(endpoint) {
		return
	}

	m.mu.Lock()
	var e *peerEntry
	for _, candidate := range m.peers {
		if containsString(candidate.endpoints, endpoint) {
			e = candidate
			break
		}
	}
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.retries++
	retries := e.retries
	m.mu.Unlock()

	backoff := m.cfg.BackoffBase * time.Duration(1<<uint(minInt(retries, 20)))
	if backoff > m.cfg.BackoffCeiling {
		backoff = m.cfg.BackoffCeiling
	}

	time.AfterFunc(backoff, func() {
		m.mu.Lock()
		stillTracked := false
		for _, candidate := range m.peers {
			if containsString(candidate.endpoints, endpoint) && candidate.refCount > 0 {
				stillTracked = true
				break
			}
		}
		m.mu.Unlock()
		if !stillTracked {
			return
		}
		if m.connmgr == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.connmgr.RequestOutbound(ctx, endpoint); err != nil {
			m.log.Debug("reconnect attempt failed", zap.String("endpoint", endpoint), zap.Int("retries", retries), zap.Error(err))
			m.MarkBad(endpoint)
			return
		}
		m.mu.Lock()
		for _, candidate := range m.peers {
			if containsString(candidate.endpoints, endpoint) {
				candidate.retries = 0
			}
		}
		m.mu.Unlock()
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Shutdown stops the event-watching goroutine. Idempotent.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
