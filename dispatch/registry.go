package dispatch

import "fmt"

// A Handler implements one method of a service. The value it returns is the
// response payload. A non-nil error is mapped to a transport status; use a
// *status.Error to choose the code.
type Handler func(*Context) (any, error)

// Registry maps method names to handlers. It remembers the order in which
// names were first registered.
//
// A Registry is not safe for concurrent use. It is populated at wiring time
// and only read once the service is assembled.
type Registry struct {
	handlers map[string]Handler
	names    []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores h under name. Registering a name twice silently replaces
// the earlier handler; the name keeps its original position in Names.
// Register panics if h == nil.
func (r *Registry) Register(name string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for method %q", name))
	}
	if _, ok := r.handlers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.handlers[name] = h
}

// Lookup returns the handler registered for name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered method names in insertion order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len reports the number of registered methods.
func (r *Registry) Len() int { return len(r.names) }
