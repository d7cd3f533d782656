// Package registry implements service discovery for rpcd servers.
//
// Servers announce each service they serve under the address clients should
// dial; clients discover the live instances of a service and watch for
// changes. The etcd implementation uses TTL leases, so the entries of a
// server that dies without deregistering expire on their own.
package registry

import (
	"context"
	"errors"
	"time"
)

// Instance describes one server offering a service.
type Instance struct {
	Addr     string            `json:"addr"`
	Weight   int               `json:"weight,omitempty"` // relative share for weighted balancing
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registry is the discovery contract shared by servers and clients.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register announces inst as serving service. The entry expires unless it
	// is renewed within ttl; implementations renew it until Deregister or
	// Close.
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error

	// Deregister removes the instance at addr from service.
	Deregister(ctx context.Context, service, addr string) error

	// Discover returns the instances currently serving service, ordered by
	// address. An unknown service has no instances and is not an error.
	Discover(ctx context.Context, service string) ([]Instance, error)

	// Watch reports the instance list of service each time it changes,
	// starting with the current list. The channel is closed when ctx ends or
	// the registry is closed.
	Watch(ctx context.Context, service string) (<-chan []Instance, error)

	// Close releases the resources of the registry. Instances registered
	// through it are no longer renewed.
	Close() error
}

// ErrClosed is reported by operations on a closed registry.
var ErrClosed = errors.New("registry is closed")

// ttlSeconds converts ttl to whole seconds, rounding up, with a minimum of 1.
func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// sendLatest delivers v on ch, replacing any value the receiver has not yet
// taken. ch must have a buffer of 1 and a single sender.
func sendLatest(ch chan []Instance, v []Instance) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
