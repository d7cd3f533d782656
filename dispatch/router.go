package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"unary-rpc/status"
)

// A Router collects the methods and middleware of one service during wiring,
// and assembles them into a Service.
type Router struct {
	id    Identity
	reg   *Registry
	chain Chain
	log   *zap.Logger

	observers   []Observer
	stageCancel bool
}

// An Option configures a Router.
type Option func(*Router)

// WithLogger sets the base logger for the router and the services it
// assembles. By default nothing is logged.
func WithLogger(log *zap.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = r.id.Logger(log)
		}
	}
}

// WithObserver adds an observer to every entry point assembled by the router.
func WithObserver(obs Observer) Option {
	return func(r *Router) {
		if obs != nil {
			r.observers = append(r.observers, obs)
		}
	}
}

// WithStageCancellation makes entry points re-check cancellation before the
// handler and before the after chain, in addition to the check on entry.
func WithStageCancellation() Option {
	return func(r *Router) { r.stageCancel = true }
}

// NewRouter constructs an empty router for the named service. The name
// should be fully qualified, for example "health.Health".
func NewRouter(service string, opts ...Option) *Router {
	r := &Router{
		id:  Identity{Kind: KindRouter, Name: service},
		reg: NewRegistry(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identity implements Routable.
func (r *Router) Identity() Identity { return r.id }

// Registry returns the method registry of r.
func (r *Router) Registry() *Registry { return r.reg }

// Handle registers h for method and returns r to permit chaining.
// A later registration for the same method replaces the earlier one.
func (r *Router) Handle(method string, h Handler) *Router {
	if _, dup := r.reg.Lookup(method); dup {
		r.log.Debug("replacing handler", zap.String("method", method))
	}
	r.reg.Register(method, h)
	return r
}

// Use appends mws to the list for phase and returns r to permit chaining.
func (r *Router) Use(phase Phase, mws ...Middleware) *Router {
	r.chain.Append(phase, mws...)
	for _, mw := range mws {
		if rt, ok := mw.(Routable); ok {
			r.log.Debug("middleware added", zap.Stringer("phase", phase), zap.Stringer("id", rt.Identity()))
		}
	}
	return r
}

// Before appends mws to the before chain.
func (r *Router) Before(mws ...Middleware) *Router { return r.Use(Before, mws...) }

// After appends mws to the after chain.
func (r *Router) After(mws ...Middleware) *Router { return r.Use(After, mws...) }

// Mount lets each controller register its routes on r.
func (r *Router) Mount(cs ...Controller) *Router {
	for _, c := range cs {
		n := r.reg.Len()
		c.Routes(r)
		r.log.Info("controller mounted",
			zap.Stringer("controller", c.Identity()), zap.Int("methods", r.reg.Len()-n))
	}
	return r
}

// Assemble builds a Service with one entry point per declared method. If no
// methods are declared, every registered method is used, in registration
// order. A declared method without a handler is a wiring error, and no
// service is returned.
//
// Assemble may be called more than once; each call yields independent entry
// points bound to the same handlers.
func (r *Router) Assemble(declared ...string) (*Service, error) {
	if len(declared) == 0 {
		declared = r.reg.Names()
	}
	svc := &Service{
		id:      Identity{Kind: KindService, Name: r.id.Name},
		methods: make(map[string]UnaryHandler, len(declared)),
	}
	var errs []error
	for _, name := range declared {
		if _, dup := svc.methods[name]; dup {
			continue
		}
		h, err := newEntry(r, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		svc.methods[name] = h
		svc.order = append(svc.order, name)
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Error("service assembly failed", zap.Error(err))
		return nil, err
	}
	r.log.Info("service assembled", zap.Strings("methods", svc.order))
	return svc, nil
}

// MustAssemble is as Assemble, but panics on a wiring error.
func (r *Router) MustAssemble(declared ...string) *Service {
	svc, err := r.Assemble(declared...)
	if err != nil {
		panic(err)
	}
	return svc
}

// Service is an assembled service: a mapping from method name to entry point,
// suitable for registration with a transport.
type Service struct {
	id      Identity
	order   []string
	methods map[string]UnaryHandler
}

// Identity implements Routable.
func (s *Service) Identity() Identity { return s.id }

// Name returns the fully-qualified service name.
func (s *Service) Name() string { return s.id.Name }

// Names returns the method names of s in assembly order.
func (s *Service) Names() []string { return append([]string(nil), s.order...) }

// Method returns the entry point for name, if s has one.
func (s *Service) Method(name string) (UnaryHandler, bool) {
	h, ok := s.methods[name]
	return h, ok
}

// Methods returns a copy of the method table of s.
func (s *Service) Methods() map[string]UnaryHandler {
	out := make(map[string]UnaryHandler, len(s.methods))
	for k, v := range s.methods {
		out[k] = v
	}
	return out
}

// Invoke dispatches call to the named method. An unknown method is reported
// as Unimplemented.
func (s *Service) Invoke(ctx context.Context, method string, call Call) (any, error) {
	h, ok := s.methods[method]
	if !ok {
		return nil, status.Newf(status.Unimplemented, "unknown method %s.%s", s.id.Name, method)
	}
	return h(ctx, call)
}
