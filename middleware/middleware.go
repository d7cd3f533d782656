// Package middleware provides stock before-chain middleware and call
// observers for dispatch routers.
//
// Middleware values carry a dispatch.Identity, so routers log them by name
// when they are added:
//
//	r := dispatch.NewRouter("greeter.Greeter",
//	    dispatch.WithObserver(middleware.Logging(log)))
//	r.Before(middleware.RequestID(), middleware.RateLimit(100, 10))
package middleware

import "unary-rpc/dispatch"

// named is a dispatch.Middleware with an identity.
type named struct {
	id dispatch.Identity
	fn dispatch.MiddlewareFunc
}

func newNamed(name string, fn dispatch.MiddlewareFunc) *named {
	return &named{id: dispatch.Identity{Kind: dispatch.KindMiddleware, Name: name}, fn: fn}
}

func (m *named) Identity() dispatch.Identity { return m.id }

func (m *named) Handle(c *dispatch.Context, next dispatch.Next) error { return m.fn(c, next) }
