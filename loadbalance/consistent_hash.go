package loadbalance

import (
	"hash/crc32"
	"slices"
	"strconv"
	"strings"
	"sync"

	"unary-rpc/registry"
)

// ConsistentHash maps call keys to instances on a hash ring. The same key
// maps to the same instance as long as the instance set does not change, and
// a change moves only the keys of the instances added or removed.
//
// Each instance is placed on the ring as several virtual nodes so that load
// spreads evenly even with few instances.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHash struct {
	replicas int

	mu   sync.Mutex
	sig  string // addresses the ring was built from
	ring []uint32
	node map[uint32]registry.Instance
}

// NewConsistentHash constructs a ring with the given number of virtual nodes
// per instance. If replicas ≤ 0, 100 is used.
func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHash{replicas: replicas}
}

// Pick implements Balancer. The ring is rebuilt only when the instance set
// differs from the one seen by the previous call.
func (b *ConsistentHash) Pick(instances []registry.Instance, key string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.sig {
		b.build(instances)
		b.sig = sig
	}

	h := crc32.ChecksumIEEE([]byte(key))
	i, _ := slices.BinarySearch(b.ring, h)
	if i == len(b.ring) {
		i = 0 // wrap around the ring
	}
	return b.node[b.ring[i]], nil
}

func (b *ConsistentHash) build(instances []registry.Instance) {
	b.ring = b.ring[:0]
	b.node = make(map[uint32]registry.Instance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := range b.replicas {
			h := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			if _, dup := b.node[h]; dup {
				continue
			}
			b.node[h] = inst
			b.ring = append(b.ring, h)
		}
	}
	slices.Sort(b.ring)
}

func signature(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHash) Name() string { return "consistent_hash" }
