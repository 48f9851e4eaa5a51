package topology

import (
	"sync"

	"go.uber.org/atomic"
)

// HostState is the declared availability of a node as tracked by the driver,
// not necessarily its true liveness.
type HostState int32

const (
	// HostAdded is the initial state of a newly discovered node, before its
	// first successful connection.
	HostAdded HostState = iota
	HostUp
	HostDown
)

func (s HostState) String() string {
	switch s {
	case HostAdded:
		return "ADDED"
	case HostUp:
		return "UP"
	case HostDown:
		return "DOWN"
	}
	return "UNKNOWN"
}

// Reconnection is a cancelable handle on a scheduled reconnection attempt.
type Reconnection interface {
	Cancel()
}

// Host is one node of the cluster. Identity is the socket address: hosts
// must be obtained from a Metadata so that pointer equality is address
// equality.
//
// State notifications for a host are serialized: transitions and their
// listener callbacks run under a per-host lock, independently of other
// hosts.
type Host struct {
	address string

	state atomic.Int32

	// notifyMu orders state transitions and the listener callbacks they
	// trigger. Never held while touching another host.
	notifyMu sync.Mutex

	infoMu         sync.RWMutex
	datacenter     string
	rack           string
	releaseVersion string
	tokens         []string

	// listenAddress is the cluster-internal broadcast address used to
	// correlate system.peers rows. The local catalog entry does not always
	// carry it, so it is kept off the public surface.
	listenAddress string

	reconnMu     sync.Mutex
	reconnection Reconnection
}

func newHost(address string) *Host {
	return &Host{address: address}
}

// Address returns the socket address the driver connects to, as host:port.
func (h *Host) Address() string { return h.address }

func (h *Host) State() HostState { return HostState(h.state.Load()) }

func (h *Host) IsUp() bool { return h.State() == HostUp }

func (h *Host) Datacenter() string {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	return h.datacenter
}

func (h *Host) Rack() string {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	return h.rack
}

func (h *Host) ReleaseVersion() string {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	return h.releaseVersion
}

func (h *Host) Tokens() []string {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	tokens := make([]string, len(h.tokens))
	copy(tokens, h.tokens)
	return tokens
}

func (h *Host) setInfo(info HostInfo) {
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	h.datacenter = info.Datacenter
	h.rack = info.Rack
	h.releaseVersion = info.ReleaseVersion
	if info.Tokens != nil {
		h.tokens = info.Tokens
	}
	if info.ListenAddress != "" {
		h.listenAddress = info.ListenAddress
	}
}

func (h *Host) getListenAddress() string {
	h.infoMu.RLock()
	defer h.infoMu.RUnlock()
	return h.listenAddress
}

// setState transitions the host, returning false if it was already in the
// target state. Callers must hold notifyMu.
func (h *Host) setState(s HostState) bool {
	return h.state.Swap(int32(s)) != int32(s)
}

// SetReconnection stores the pending reconnection attempt for this host.
// At most one attempt may be pending at any instant; returns false, without
// storing, if one already is.
func (h *Host) SetReconnection(r Reconnection) bool {
	h.reconnMu.Lock()
	defer h.reconnMu.Unlock()
	if h.reconnection != nil {
		return false
	}
	h.reconnection = r
	return true
}

// Reconnection returns the pending reconnection attempt, or nil.
func (h *Host) Reconnection() Reconnection {
	h.reconnMu.Lock()
	defer h.reconnMu.Unlock()
	return h.reconnection
}

// ClearReconnection empties the slot if it still holds r, making room for a
// new attempt to be scheduled.
func (h *Host) ClearReconnection(r Reconnection) bool {
	h.reconnMu.Lock()
	defer h.reconnMu.Unlock()
	if h.reconnection != r {
		return false
	}
	h.reconnection = nil
	return true
}
