package topology

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) record(ev string, h *Host) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev+" "+h.Address())
}

func (l *recordingListener) HostAdded(h *Host)   { l.record("added", h) }
func (l *recordingListener) HostUp(h *Host)      { l.record("up", h) }
func (l *recordingListener) HostDown(h *Host)    { l.record("down", h) }
func (l *recordingListener) HostRemoved(h *Host) { l.record("removed", h) }

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeReconnection struct {
	cancelled atomic.Bool
}

func (r *fakeReconnection) Cancel() { r.cancelled.Store(true) }

func TestHostIdentity(t *testing.T) {
	m := NewMetadata(nil)

	h1, created := m.GetOrAddHost("10.0.0.1:9042")
	require.True(t, created)
	h2, created := m.GetOrAddHost("10.0.0.1:9042")
	require.False(t, created)
	require.Same(t, h1, h2)
	require.Same(t, h1, m.GetHost("10.0.0.1:9042"))

	other, _ := m.GetOrAddHost("10.0.0.2:9042")
	require.NotSame(t, h1, other)
}

func TestHostStateTransitions(t *testing.T) {
	m := NewMetadata(nil)
	l := &recordingListener{}
	m.RegisterListener(l)

	h, _ := m.GetOrAddHost("10.0.0.1:9042")
	require.Equal(t, HostAdded, h.State())

	require.True(t, m.MarkHostUp(h))
	require.Equal(t, HostUp, h.State())
	require.True(t, h.IsUp())

	// repeated notifications are suppressed
	require.False(t, m.MarkHostUp(h))

	require.True(t, m.MarkHostDown(h))
	require.False(t, m.MarkHostDown(h))
	require.Equal(t, HostDown, h.State())

	require.Equal(t, []string{
		"added 10.0.0.1:9042",
		"up 10.0.0.1:9042",
		"down 10.0.0.1:9042",
	}, l.snapshot())
}

func TestSingleReconnectionSlot(t *testing.T) {
	m := NewMetadata(nil)
	h, _ := m.GetOrAddHost("10.0.0.1:9042")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.SetReconnection(&fakeReconnection{}) {
				wins.Inc()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.NotNil(t, h.Reconnection())

	// clearing a stale handle is a no-op
	require.False(t, h.ClearReconnection(&fakeReconnection{}))
	require.NotNil(t, h.Reconnection())

	r := h.Reconnection()
	require.True(t, h.ClearReconnection(r))
	require.Nil(t, h.Reconnection())

	require.True(t, h.SetReconnection(&fakeReconnection{}))
}

func TestRemoveHostCancelsReconnection(t *testing.T) {
	m := NewMetadata(nil)
	l := &recordingListener{}
	m.RegisterListener(l)

	h, _ := m.GetOrAddHost("10.0.0.1:9042")
	r := &fakeReconnection{}
	require.True(t, h.SetReconnection(r))

	removed := m.RemoveHost("10.0.0.1:9042")
	require.Same(t, h, removed)
	require.True(t, r.cancelled.Load())
	require.Nil(t, m.GetHost("10.0.0.1:9042"))
	require.Nil(t, m.RemoveHost("10.0.0.1:9042"))

	require.Equal(t, []string{
		"added 10.0.0.1:9042",
		"removed 10.0.0.1:9042",
	}, l.snapshot())
}

func TestUpdateHostIndexes(t *testing.T) {
	m := NewMetadata(nil)

	h := m.UpdateHost(HostInfo{
		Address:        "10.0.0.1:9042",
		Datacenter:     "dc1",
		Rack:           "r1",
		ReleaseVersion: "3.11.4",
		Tokens:         []string{"-9223372036854775808", "0"},
		ListenAddress:  "192.168.10.1",
	})

	require.Equal(t, "dc1", h.Datacenter())
	require.Equal(t, "r1", h.Rack())
	require.Equal(t, "3.11.4", h.ReleaseVersion())
	require.Equal(t, []string{"-9223372036854775808", "0"}, h.Tokens())

	require.Same(t, h, m.HostForToken("0"))
	require.Same(t, h, m.HostByListenAddress("192.168.10.1"))
	require.Nil(t, m.HostForToken("42"))

	// tokens moved to another host are re-indexed
	other := m.UpdateHost(HostInfo{Address: "10.0.0.2:9042", Tokens: []string{"0"}})
	require.Same(t, other, m.HostForToken("0"))
	require.Same(t, h, m.HostForToken("-9223372036854775808"))

	m.RemoveHost("10.0.0.2:9042")
	require.Nil(t, m.HostForToken("0"))
}

func TestUnregisterListener(t *testing.T) {
	m := NewMetadata(nil)
	l := &recordingListener{}
	m.RegisterListener(l)
	m.UnregisterListener(l)

	m.GetOrAddHost("10.0.0.1:9042")
	require.Empty(t, l.snapshot())
}

func TestHostsSnapshot(t *testing.T) {
	m := NewMetadata(nil)
	m.GetOrAddHost("10.0.0.1:9042")
	m.GetOrAddHost("10.0.0.2:9042")

	hosts := m.Hosts()
	require.Len(t, hosts, 2)

	addrs := map[string]bool{}
	for _, h := range hosts {
		addrs[h.Address()] = true
	}
	require.True(t, addrs["10.0.0.1:9042"])
	require.True(t, addrs["10.0.0.2:9042"])
}
