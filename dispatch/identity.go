package dispatch

import (
	"fmt"

	"go.uber.org/zap"
)

// Kind classifies a component for logging and diagnostics.
type Kind int

const (
	KindRouter Kind = iota + 1
	KindController
	KindService
	KindMiddleware
)

func (k Kind) String() string {
	switch k {
	case KindRouter:
		return "router"
	case KindController:
		return "controller"
	case KindService:
		return "service"
	case KindMiddleware:
		return "middleware"
	default:
		return fmt.Sprintf("kind:%d", int(k))
	}
}

// Identity names a component. It is embedded by value in routers,
// controllers and middleware so that every log line can say who wrote it.
type Identity struct {
	Kind Kind
	Name string
}

func (id Identity) String() string { return id.Kind.String() + "/" + id.Name }

// Logger returns base scoped to id. A nil base yields a no-op logger.
func (id Identity) Logger(base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(id.Kind.String()).With(zap.String("module", id.Name))
}

// Routable is implemented by components that carry an Identity.
type Routable interface {
	Identity() Identity
}

// A Controller contributes routes to a Router. See Router.Mount.
type Controller interface {
	Routable
	Routes(r *Router)
}

// logSafely runs fn against log and discards any panic, so that a broken
// log sink cannot change the outcome of a call.
func logSafely(log *zap.Logger, fn func(*zap.Logger)) {
	defer func() { _ = recover() }()
	fn(log)
}
