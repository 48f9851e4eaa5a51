// Package policy holds the pluggable decision points of the driver: host
// selection, retries, reconnection schedules and speculative execution.
package policy

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/topology"
)

// HostDistance classifies how aggressively a host is pooled. LOCAL hosts get
// the full core/max pool, REMOTE a reduced one, IGNORED none.
type HostDistance int

const (
	DistanceLocal HostDistance = iota
	DistanceRemote
	DistanceIgnored
)

func (d HostDistance) String() string {
	switch d {
	case DistanceLocal:
		return "LOCAL"
	case DistanceRemote:
		return "REMOTE"
	case DistanceIgnored:
		return "IGNORED"
	}
	return "UNKNOWN"
}

// NextHost steps a query plan. It returns nil when the plan is exhausted.
type NextHost func() *topology.Host

// A LoadBalancingPolicy generates query plans and assigns each host a pool
// distance. Policies track membership by listening to host state changes, so
// they must be registered on the cluster metadata.
type LoadBalancingPolicy interface {
	topology.StateListener

	Distance(h *topology.Host) HostDistance
	// Plan returns the ordered hosts to try for one request. Hosts that
	// are marked down are left out.
	Plan() NextHost
}

// RoundRobin cycles through all known hosts, treating every host as LOCAL.
type RoundRobin struct {
	mu     sync.RWMutex
	hosts  []*topology.Host
	offset atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (p *RoundRobin) Distance(*topology.Host) HostDistance { return DistanceLocal }

func (p *RoundRobin) HostAdded(h *topology.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.hosts {
		if cur == h {
			return
		}
	}
	p.hosts = append(p.hosts, h)
}

func (p *RoundRobin) HostRemoved(h *topology.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.hosts {
		if cur == h {
			p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
			return
		}
	}
}

func (p *RoundRobin) HostUp(*topology.Host)   {}
func (p *RoundRobin) HostDown(*topology.Host) {}

func (p *RoundRobin) Plan() NextHost {
	p.mu.RLock()
	hosts := append([]*topology.Host(nil), p.hosts...)
	p.mu.RUnlock()
	return rotatedPlan(hosts, p.offset.Inc())
}

// rotatedPlan yields hosts starting at offset, skipping hosts marked down.
func rotatedPlan(hosts []*topology.Host, offset uint64) NextHost {
	i := 0
	return func() *topology.Host {
		for i < len(hosts) {
			h := hosts[(int(offset)+i)%len(hosts)]
			i++
			if h.State() != topology.HostDown {
				return h
			}
		}
		return nil
	}
}

// DCAwareRoundRobin prefers hosts in the configured datacenter, falling back
// to remote hosts only after the local ones are exhausted.
type DCAwareRoundRobin struct {
	localDC string

	mu     sync.RWMutex
	local  []*topology.Host
	remote []*topology.Host
	offset atomic.Uint64
}

func NewDCAwareRoundRobin(localDC string) *DCAwareRoundRobin {
	return &DCAwareRoundRobin{localDC: localDC}
}

func (p *DCAwareRoundRobin) Distance(h *topology.Host) HostDistance {
	if h.Datacenter() == p.localDC {
		return DistanceLocal
	}
	return DistanceRemote
}

func (p *DCAwareRoundRobin) HostAdded(h *topology.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range append(p.local, p.remote...) {
		if cur == h {
			return
		}
	}
	if h.Datacenter() == p.localDC {
		p.local = append(p.local, h)
	} else {
		p.remote = append(p.remote, h)
	}
}

func (p *DCAwareRoundRobin) HostRemoved(h *topology.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = removeHost(p.local, h)
	p.remote = removeHost(p.remote, h)
}

func (p *DCAwareRoundRobin) HostUp(*topology.Host)   {}
func (p *DCAwareRoundRobin) HostDown(*topology.Host) {}

func (p *DCAwareRoundRobin) Plan() NextHost {
	p.mu.RLock()
	hosts := append(append([]*topology.Host(nil), p.local...), p.remote...)
	p.mu.RUnlock()

	// split by the current datacenter: HostAdded fires before a host's
	// catalog attributes are applied
	var local, remote []*topology.Host
	for _, h := range hosts {
		if h.Datacenter() == p.localDC {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}

	offset := p.offset.Inc()
	next := rotatedPlan(local, offset)
	fallback := rotatedPlan(remote, offset)
	return func() *topology.Host {
		if h := next(); h != nil {
			return h
		}
		return fallback()
	}
}

func removeHost(hosts []*topology.Host, h *topology.Host) []*topology.Host {
	for i, cur := range hosts {
		if cur == h {
			return append(hosts[:i], hosts[i+1:]...)
		}
	}
	return hosts
}
