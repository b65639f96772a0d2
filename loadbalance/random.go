package loadbalance

import "math/rand/v2"

// RandomBalancer picks uniformly among the candidates.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(candidates []int, key string) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
