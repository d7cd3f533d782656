package loadbalance

import (
	"math/rand/v2"

	"unary-rpc/registry"
)

// WeightedRandom picks an instance at random with probability proportional
// to its weight. Instances with a weight ≤ 0 count as weight 1.
type WeightedRandom struct {
	intn func(n int) int
}

// NewWeightedRandom constructs a WeightedRandom balancer.
func NewWeightedRandom() *WeightedRandom { return &WeightedRandom{intn: rand.IntN} }

func weightOf(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

// Pick implements Balancer.
func (b *WeightedRandom) Pick(instances []registry.Instance, _ string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}
	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}
	r := b.intn(total)
	for _, inst := range instances {
		r -= weightOf(inst)
		if r < 0 {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandom) Name() string { return "weighted_random" }
