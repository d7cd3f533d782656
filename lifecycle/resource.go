// Package lifecycle manages named external resources, such as a database,
// that handlers use. It provides the connect/disconnect/status contract and
// the exponential retry policy used to establish connections.
//
// The dispatch engine does not depend on this package. Handlers surface its
// failures through the ordinary error path, typically as Unavailable.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// State is the connection state of a Resource.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state:%d", int32(s))
	}
}

// A Resource is a named collaborator with an explicit lifecycle.
// Implementations must be safe for concurrent use.
type Resource interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() State
}

// ConnectAll connects each of rs in order. On failure it disconnects the
// resources already connected and reports the error.
func ConnectAll(ctx context.Context, rs ...Resource) error {
	for i, r := range rs {
		if err := r.Connect(ctx); err != nil {
			errs := []error{fmt.Errorf("connect %s: %w", r.Name(), err)}
			for j := i - 1; j >= 0; j-- {
				if derr := rs[j].Disconnect(ctx); derr != nil {
					errs = append(errs, fmt.Errorf("disconnect %s: %w", rs[j].Name(), derr))
				}
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

// DisconnectAll disconnects each of rs in reverse order and reports every
// failure.
func DisconnectAll(ctx context.Context, rs ...Resource) error {
	var errs []error
	for i := len(rs) - 1; i >= 0; i-- {
		if err := rs[i].Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", rs[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
