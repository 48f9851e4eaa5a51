// Package streams hands out protocol stream ids for one connection. Ids are
// tracked in a bitset of 64-bit buckets so that acquire and release are
// lock-free compare-and-swap operations.
package streams

import (
	"math/bits"

	"go.uber.org/atomic"
)

const bucketBits = 64

// IDGenerator allocates stream ids in [1, NumStreams). Stream 0 is reserved
// for the connection's own traffic (startup, heartbeats), negative ids
// belong to server-push events.
type IDGenerator struct {
	NumStreams int

	inuse   atomic.Int32
	offset  atomic.Uint32
	buckets []atomic.Uint64
}

// New builds a generator for numStreams ids, rounded down to a multiple of
// 64 with a minimum of 64. numStreams is 128 for protocol v1/v2 and 32768 from v3 on.
func New(numStreams int) *IDGenerator {
	n := numStreams / bucketBits
	if n < 1 {
		n = 1
	}
	gen := &IDGenerator{
		NumStreams: n * bucketBits,
		buckets:    make([]atomic.Uint64, n),
	}
	// burn stream 0
	gen.buckets[0].Store(1)
	return gen
}

// GetStream acquires a free stream id, reporting false when the connection
// is saturated.
func (g *IDGenerator) GetStream() (int, bool) {
	// start the scan at a rotating bucket so concurrent callers spread out
	start := int(g.offset.Inc()) % len(g.buckets)
	for i := 0; i < len(g.buckets); i++ {
		bucket := (start + i) % len(g.buckets)
		for {
			cur := g.buckets[bucket].Load()
			if cur == ^uint64(0) {
				break
			}
			bit := bits.TrailingZeros64(^cur)
			if g.buckets[bucket].CompareAndSwap(cur, cur|1<<bit) {
				g.inuse.Inc()
				return bucket*bucketBits + bit, true
			}
		}
	}
	return 0, false
}

// Clear releases a stream id. Returns false if the id was not held, which
// indicates a double release.
func (g *IDGenerator) Clear(stream int) bool {
	if stream <= 0 || stream >= g.NumStreams {
		return false
	}
	bucket := stream / bucketBits
	mask := uint64(1) << (stream % bucketBits)
	for {
		cur := g.buckets[bucket].Load()
		if cur&mask == 0 {
			return false
		}
		if g.buckets[bucket].CompareAndSwap(cur, cur&^mask) {
			g.inuse.Dec()
			return true
		}
	}
}

// InUse returns the number of allocated stream ids.
func (g *IDGenerator) InUse() int {
	return int(g.inuse.Load())
}

// Available returns how many ids remain free.
func (g *IDGenerator) Available() int {
	return g.NumStreams - 1 - g.InUse()
}
