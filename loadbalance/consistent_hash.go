package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer maps exchanges to slots on a hash ring. An exchange
// keeps going to the same slot while that slot is healthy, which keeps the
// publishes to one destination in order. When the slot drops out, its keys
// move to the next healthy slot clockwise and come back once it returns.
//
// Each slot is placed on the ring 100 times so that a small pool still
// spreads keys evenly.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32       // Sorted hash values on the ring
	nodes    map[uint32]int // Hash value -> slot id
}

// NewConsistentHashBalancer places slots 0..slots-1 on the ring.
func NewConsistentHashBalancer(slots int) *ConsistentHashBalancer {
	b := &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]int),
	}
	for slot := 0; slot < slots; slot++ {
		b.Add(slot)
	}
	return b
}

// Add places a slot onto the ring. Not safe to call concurrently with Pick.
func (b *ConsistentHashBalancer) Add(slot int) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("slot-%d#%d", slot, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = slot
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick hashes key and walks the ring clockwise to the first healthy slot.
func (b *ConsistentHashBalancer) Pick(candidates []int, key string) (int, error) {
	if len(candidates) == 0 || len(b.ring) == 0 {
		return 0, ErrNoCandidates
	}
	healthy := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		healthy[c] = true
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	start := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	for i := 0; i < len(b.ring); i++ {
		slot := b.nodes[b.ring[(start+i)%len(b.ring)]]
		if healthy[slot] {
			return slot, nil
		}
	}
	// candidates outside the ring: fall back to the first one
	return candidates[0], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
