// Package loadbalance selects one instance among those serving a service.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services requiring affinity by call key
package loadbalance

import (
	"errors"
	"fmt"

	"unary-rpc/registry"
)

// ErrNoInstances is reported by Pick when the instance list is empty.
var ErrNoInstances = errors.New("no instances available")

// Balancer picks the target of a call. The client calls Pick before every
// attempt, so implementations must be safe for concurrent use.
type Balancer interface {
	// Pick selects one of instances. The key identifies the call for
	// strategies with affinity; others ignore it.
	Pick(instances []registry.Instance, key string) (registry.Instance, error)

	// Name returns the strategy name as accepted by New.
	Name() string
}

// New returns the balancer with the given strategy name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return new(RoundRobin), nil
	case "weighted_random":
		return NewWeightedRandom(), nil
	case "consistent_hash":
		return NewConsistentHash(0), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
