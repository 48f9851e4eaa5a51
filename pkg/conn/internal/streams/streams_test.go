package streams

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamZeroReserved(t *testing.T) {
	g := New(128)
	seen := map[int]bool{}
	for {
		id, ok := g.GetStream()
		if !ok {
			break
		}
		require.False(t, seen[id], "stream %d handed out twice", id)
		seen[id] = true
	}
	require.False(t, seen[0])
	require.Len(t, seen, 127)
}

func TestRoundsToBucketMultiple(t *testing.T) {
	require.Equal(t, 64, New(1).NumStreams)
	require.Equal(t, 128, New(128).NumStreams)
	require.Equal(t, 128, New(130).NumStreams)
	require.Equal(t, 32768, New(32768).NumStreams)
}

func TestClearAccounting(t *testing.T) {
	g := New(128)
	id, ok := g.GetStream()
	require.True(t, ok)
	require.Equal(t, 1, g.InUse())
	require.Equal(t, 127-1, g.Available())

	require.True(t, g.Clear(id))
	require.Equal(t, 0, g.InUse())
	require.Equal(t, 127, g.Available())

	// double release is reported, not counted
	require.False(t, g.Clear(id))
	require.Equal(t, 0, g.InUse())
}

func TestClearRejectsOutOfRange(t *testing.T) {
	g := New(128)
	require.False(t, g.Clear(0))
	require.False(t, g.Clear(-1))
	require.False(t, g.Clear(128))
}

func TestSaturation(t *testing.T) {
	g := New(64)
	for i := 0; i < 63; i++ {
		_, ok := g.GetStream()
		require.True(t, ok)
	}
	_, ok := g.GetStream()
	require.False(t, ok)

	require.True(t, g.Clear(17))
	id, ok := g.GetStream()
	require.True(t, ok)
	require.Equal(t, 17, id)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	g := New(128)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id, ok := g.GetStream()
				if !ok {
					continue
				}
				require.True(t, g.Clear(id))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, g.InUse())
	require.Equal(t, 127, g.Available())
}
