package loadbalance

import (
	"sync/atomic"

	"unary-rpc/registry"
)

// RoundRobin cycles through the instances in order. The zero value is ready
// for use.
type RoundRobin struct {
	counter atomic.Uint64
}

// Pick implements Balancer.
func (b *RoundRobin) Pick(instances []registry.Instance, _ string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}
	n := b.counter.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

func (b *RoundRobin) Name() string { return "round_robin" }
