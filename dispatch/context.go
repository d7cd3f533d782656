package dispatch

import (
	"context"
	"sync/atomic"
)

// ResultKey is the reserved state key under which the handler's result is
// stored before the after chain runs.
const ResultKey = "__result"

// Metadata holds inbound or outbound key/value pairs for a call.
type Metadata map[string]string

// Get returns the value for key, or "" if it is not set. Get is safe on a nil
// Metadata.
func (m Metadata) Get(key string) string { return m[key] }

// Clone returns a copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Call is the transport's view of a single inbound call. The dispatch engine
// only reads from it.
type Call interface {
	// Request returns the decoded request payload.
	Request() any

	// Cancelled reports whether the caller has abandoned the call. It must be
	// safe to call at any time from any goroutine.
	Cancelled() bool

	// Metadata returns the inbound call metadata.
	Metadata() Metadata
}

// An OutboundSink is a Call that accepts the outbound headers and trailers
// set by middleware and handlers. The dispatch engine delivers them once,
// after the call completes, if any were set.
type OutboundSink interface {
	SetOutbound(*Outbound)
}

// Outbound holds the headers and trailers sent back with a response.
type Outbound struct {
	Header  Metadata
	Trailer Metadata
}

// LocalCall is a Call for in-process invocations and tests.
type LocalCall struct {
	req       any
	md        Metadata
	cancelled atomic.Bool
	out       *Outbound
}

// NewLocalCall returns a call carrying req and md.
func NewLocalCall(req any, md Metadata) *LocalCall {
	return &LocalCall{req: req, md: md}
}

func (c *LocalCall) Request() any            { return c.req }
func (c *LocalCall) Metadata() Metadata      { return c.md }
func (c *LocalCall) Cancelled() bool         { return c.cancelled.Load() }
func (c *LocalCall) SetOutbound(o *Outbound) { c.out = o }

// Cancel marks the call as cancelled.
func (c *LocalCall) Cancel() { c.cancelled.Store(true) }

// Outbound returns the headers and trailers delivered for the call, or nil.
func (c *LocalCall) Outbound() *Outbound { return c.out }

// Context is the per-call state threaded through middleware and the handler.
// A Context is created fresh for each call and must not be retained after
// the call completes. It is not safe for concurrent use.
type Context struct {
	ctx     context.Context
	call    Call
	md      Metadata
	service string
	method  string
	state   map[string]any
	out     *Outbound
}

func newContext(ctx context.Context, call Call, service, method string) *Context {
	return &Context{
		ctx:     ctx,
		call:    call,
		md:      call.Metadata(),
		service: service,
		method:  method,
		state:   make(map[string]any),
	}
}

// Context returns the Go context for the call. Handlers should pass it to
// any blocking I/O they perform.
func (c *Context) Context() context.Context { return c.ctx }

// SetContext replaces the Go context seen by later stages.
func (c *Context) SetContext(ctx context.Context) {
	if ctx == nil {
		panic("dispatch: nil context")
	}
	c.ctx = ctx
}

// Call returns the underlying transport call.
func (c *Context) Call() Call { return c.call }

// Request returns the decoded request payload of the call.
func (c *Context) Request() any { return c.call.Request() }

// Metadata returns the inbound metadata of the call.
func (c *Context) Metadata() Metadata { return c.md }

// Service returns the fully-qualified service name.
func (c *Context) Service() string { return c.service }

// Method returns the method name.
func (c *Context) Method() string { return c.method }

// FullMethod returns "Service.Method".
func (c *Context) FullMethod() string { return c.service + "." + c.method }

// Get returns the state value for key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.state[key]
	return v, ok
}

// Set stores v as the state value for key.
func (c *Context) Set(key string, v any) { c.state[key] = v }

// Delete removes the state value for key.
func (c *Context) Delete(key string) { delete(c.state, key) }

// Result returns the value stored under ResultKey. It is set once the handler
// has returned successfully, or by a middleware that short-circuits the
// before chain.
func (c *Context) Result() (any, bool) { return c.Get(ResultKey) }

// Outbound returns the outbound header and trailer container, creating it on
// first use.
func (c *Context) Outbound() *Outbound {
	if c.out == nil {
		c.out = &Outbound{Header: make(Metadata), Trailer: make(Metadata)}
	}
	return c.out
}
