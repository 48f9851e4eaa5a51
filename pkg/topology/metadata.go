package topology

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// HostInfo is one row of node attributes from the system catalog, applied to
// a Host by the metadata refresh.
type HostInfo struct {
	Address        string
	Datacenter     string
	Rack           string
	ReleaseVersion string
	Tokens         []string

	// ListenAddress is the node's broadcast address as reported by its
	// peers. Empty when unknown.
	ListenAddress string
}

// A StateListener is notified of host lifecycle changes. Callbacks for one
// host arrive in order; callbacks for different hosts may interleave.
// Implementations must not block.
type StateListener interface {
	HostAdded(h *Host)
	HostUp(h *Host)
	HostDown(h *Host)
	HostRemoved(h *Host)
}

// Metadata is the authoritative view of cluster membership. Hosts are
// identity-stable: repeated lookups of the same address return the same
// *Host, so pointer comparison is address equality.
type Metadata struct {
	logger log.Logger

	mu       sync.RWMutex
	hosts    map[string]*Host
	byToken  map[string]*Host
	byListen map[string]*Host

	listenerMu sync.Mutex
	listeners  []StateListener
}

func NewMetadata(logger log.Logger) *Metadata {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Metadata{
		logger:   logger,
		hosts:    make(map[string]*Host),
		byToken:  make(map[string]*Host),
		byListen: make(map[string]*Host),
	}
}

// GetHost returns the host at address, or nil if unknown.
func (m *Metadata) GetHost(address string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[address]
}

// GetOrAddHost returns the host at address, creating it in the ADDED state
// when first seen. The second result reports whether the host was created.
func (m *Metadata) GetOrAddHost(address string) (*Host, bool) {
	m.mu.Lock()
	h, ok := m.hosts[address]
	if ok {
		m.mu.Unlock()
		return h, false
	}
	h = newHost(address)
	m.hosts[address] = h
	m.mu.Unlock()

	level.Debug(m.logger).Log("msg", "host added", "address", address)
	m.notify(h, func(l StateListener) { l.HostAdded(h) })
	return h, true
}

// RemoveHost drops the host at address from the registry and cancels any
// pending reconnection. Returns the removed host, or nil.
func (m *Metadata) RemoveHost(address string) *Host {
	m.mu.Lock()
	h, ok := m.hosts[address]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.hosts, address)
	m.unindexLocked(h)
	m.mu.Unlock()

	if r := h.Reconnection(); r != nil {
		r.Cancel()
		h.ClearReconnection(r)
	}

	level.Debug(m.logger).Log("msg", "host removed", "address", address)
	m.notify(h, func(l StateListener) { l.HostRemoved(h) })
	return h
}

// Hosts returns a snapshot of all known hosts.
func (m *Metadata) Hosts() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

// UpdateHost applies catalog attributes to the host at info.Address,
// creating it if needed, and refreshes the token and listen-address indexes.
func (m *Metadata) UpdateHost(info HostInfo) *Host {
	h, _ := m.GetOrAddHost(info.Address)
	h.setInfo(info)

	m.mu.Lock()
	m.unindexLocked(h)
	for _, tok := range info.Tokens {
		m.byToken[tok] = h
	}
	if la := h.getListenAddress(); la != "" {
		m.byListen[la] = h
	}
	m.mu.Unlock()
	return h
}

func (m *Metadata) unindexLocked(h *Host) {
	for tok, owner := range m.byToken {
		if owner == h {
			delete(m.byToken, tok)
		}
	}
	for la, owner := range m.byListen {
		if owner == h {
			delete(m.byListen, la)
		}
	}
}

// HostForToken returns the host owning a token, or nil.
func (m *Metadata) HostForToken(token string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byToken[token]
}

// HostByListenAddress correlates a peer row's broadcast address back to the
// host it belongs to, or nil.
func (m *Metadata) HostByListenAddress(address string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byListen[address]
}

// RegisterListener subscribes to host state notifications.
func (m *Metadata) RegisterListener(l StateListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UnregisterListener removes a previously registered listener.
func (m *Metadata) UnregisterListener(l StateListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, cur := range m.listeners {
		if cur == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// MarkHostUp transitions the host to UP. Listeners fire only on an actual
// transition; repeated notifications are suppressed. Returns whether the
// state changed.
func (m *Metadata) MarkHostUp(h *Host) bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	if !h.setState(HostUp) {
		return false
	}
	level.Debug(m.logger).Log("msg", "host up", "address", h.Address())
	m.notifyLocked(h, func(l StateListener) { l.HostUp(h) })
	return true
}

// MarkHostDown transitions the host to DOWN, with the same suppression
// semantics as MarkHostUp.
func (m *Metadata) MarkHostDown(h *Host) bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	if !h.setState(HostDown) {
		return false
	}
	level.Debug(m.logger).Log("msg", "host down", "address", h.Address())
	m.notifyLocked(h, func(l StateListener) { l.HostDown(h) })
	return true
}

func (m *Metadata) notify(h *Host, fn func(StateListener)) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	m.notifyLocked(h, fn)
}

// notifyLocked invokes fn on every listener while holding h.notifyMu, so
// that callbacks for one host observe its transitions in order.
func (m *Metadata) notifyLocked(_ *Host, fn func(StateListener)) {
	m.listenerMu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}
