// Package loadbalance chooses which pooled broker connection carries a publish.
//
// Candidates are the ids of the slots that are currently healthy. Three
// strategies are implemented:
//   - Random:          uniform choice, the default
//   - RoundRobin:      even rotation over whatever is healthy
//   - ConsistentHash:  one exchange sticks to one slot while that slot is healthy
package loadbalance

import "errors"

var ErrNoCandidates = errors.New("no connections available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one of candidates. key is the destination exchange.
	// Called from a single goroutine per pool, but must be goroutine-safe anyway.
	Pick(candidates []int, key string) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, or Random for an unknown name.
func New(name string, slots int) Balancer {
	switch name {
	case "roundrobin":
		return &RoundRobinBalancer{}
	case "consistenthash":
		return NewConsistentHashBalancer(slots)
	}
	return &RandomBalancer{}
}
