package dispatch

import (
	"fmt"

	"unary-rpc/status"
)

// Phase selects the before or after list of a Chain.
type Phase int

const (
	Before Phase = iota // runs prior to the handler
	After               // runs only after the handler succeeded
)

func (p Phase) String() string {
	switch p {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return fmt.Sprintf("phase:%d", int(p))
	}
}

// Next resumes the remainder of the chain. It reports the first error of any
// later stage. A middleware must call Next at most once, and only from the
// goroutine running its Handle method, before Handle returns.
type Next func() error

// Middleware is a stage of the before or after chain. To continue the chain,
// Handle calls next; to stop it without failing the call, Handle returns nil
// without calling next. An error aborts the rest of the chain.
type Middleware interface {
	Handle(c *Context, next Next) error
}

// MiddlewareFunc adapts a plain function to the Middleware interface.
type MiddlewareFunc func(c *Context, next Next) error

// Handle calls f(c, next).
func (f MiddlewareFunc) Handle(c *Context, next Next) error { return f(c, next) }

// ErrNextCalledTwice is reported when a middleware calls its continuation
// more than once. It is a programming error.
var ErrNextCalledTwice = status.New(status.Unknown, "next() called multiple times")

// stage is the normalized form of a Middleware.
type stage func(*Context, Next) error

// normalize converts mw to a stage once, at registration.
func normalize(mw Middleware) stage {
	switch t := mw.(type) {
	case nil:
		panic("dispatch: nil middleware")
	case MiddlewareFunc:
		if t == nil {
			panic("dispatch: nil middleware")
		}
		return stage(t)
	default:
		return mw.Handle
	}
}

// Chain holds the ordered before and after middleware lists. Stages run in
// the order they were appended; there is no priority or sorting.
//
// A Chain is not safe for concurrent modification; see the package comment.
type Chain struct {
	before []stage
	after  []stage
}

// Append adds mws to the end of the list for phase.
func (ch *Chain) Append(phase Phase, mws ...Middleware) {
	for _, mw := range mws {
		s := normalize(mw)
		switch phase {
		case Before:
			ch.before = append(ch.before, s)
		case After:
			ch.after = append(ch.after, s)
		default:
			panic(fmt.Sprintf("dispatch: invalid phase %v", phase))
		}
	}
}

// Len reports the number of stages in phase.
func (ch *Chain) Len(phase Phase) int { return len(ch.stages(phase)) }

// Run executes the stages of phase against c. It reports whether the end of
// the list was reached; completed is false if some stage returned without
// calling its continuation. An empty list completes immediately.
func (ch *Chain) Run(phase Phase, c *Context) (completed bool, err error) {
	return runStages(ch.stages(phase), c)
}

func (ch *Chain) stages(phase Phase) []stage {
	if phase == After {
		return ch.after
	}
	return ch.before
}

// snapshot returns a copy of the stages of phase.
func (ch *Chain) snapshot(phase Phase) []stage {
	src := ch.stages(phase)
	if len(src) == 0 {
		return nil
	}
	out := make([]stage, len(src))
	copy(out, src)
	return out
}

// runStages runs stages as a singly-linked continuation chain.
//
// The cursor records the highest stage index entered so far. Entering index
// k requires k > cursor, which makes each stage run at most once and in
// order. A repeated continuation fails with ErrNextCalledTwice; the violation
// is also remembered so that Run reports it even if the offending middleware
// discards the error returned by its second call to next.
func runStages(stages []stage, c *Context) (completed bool, err error) {
	cursor := -1
	var violation error

	var run func(k int) error
	run = func(k int) error {
		if k <= cursor {
			violation = ErrNextCalledTwice
			return violation
		}
		cursor = k
		if k >= len(stages) {
			completed = true
			return nil
		}
		return stages[k](c, func() error { return run(k + 1) })
	}

	err = run(0)
	if violation != nil {
		return false, violation
	}
	if err != nil {
		return false, err
	}
	return completed, nil
}
