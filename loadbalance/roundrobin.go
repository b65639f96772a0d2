package loadbalance

import "sync/atomic"

// RoundRobinBalancer rotates through the candidates in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(candidates []int, key string) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
