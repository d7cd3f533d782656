package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unary-rpc/status"
)

// UnaryHandler is the transport-facing entry point for one method. It returns
// exactly once per call: either the response payload and a nil error, or a
// nil payload and an error of concrete type *status.Error.
type UnaryHandler func(ctx context.Context, call Call) (any, error)

// Report summarizes one completed call for an Observer.
type Report struct {
	Service  string
	Method   string
	Code     status.Code
	Err      *status.Error // nil on success
	Duration time.Duration
}

// An Observer is notified once for every call an entry point completes,
// including calls rejected before dispatch. Observers must not block.
type Observer func(Report)

// entry binds one registered method to a UnaryHandler.
type entry struct {
	service string
	method  string
	handler Handler
	before  []stage
	after   []stage

	log         *zap.Logger
	observers   []Observer
	stageCancel bool
}

// newEntry constructs the entry point for method. It reports a wiring error
// if no handler is registered for the method.
func newEntry(r *Router, method string) (UnaryHandler, error) {
	h, ok := r.reg.Lookup(method)
	if !ok {
		return nil, &WiringError{Service: r.id.Name, Method: method}
	}
	e := &entry{
		service:     r.id.Name,
		method:      method,
		handler:     h,
		before:      r.chain.snapshot(Before),
		after:       r.chain.snapshot(After),
		log:         r.log.With(zap.String("method", method)),
		observers:   append([]Observer(nil), r.observers...),
		stageCancel: r.stageCancel,
	}
	return e.serve, nil
}

func (e *entry) serve(ctx context.Context, call Call) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	res, serr := e.dispatch(ctx, call)
	e.notify(serr, time.Since(start))
	if serr != nil {
		return nil, serr
	}
	return res, nil
}

// dispatch checks for cancellation and then runs the call.
func (e *entry) dispatch(ctx context.Context, call Call) (any, *status.Error) {
	if isCancelled(ctx, call) {
		logSafely(e.log, func(log *zap.Logger) { log.Debug("call cancelled before dispatch") })
		return nil, status.NewCanceled()
	}

	// Contexts derived by middleware are released when the call ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := newContext(ctx, call, e.service, e.method)
	res, err := e.run(c)
	if sink, ok := call.(OutboundSink); ok && c.out != nil {
		sink.SetOutbound(c.out)
	}
	if err != nil {
		serr := status.Convert(err)
		e.logFailure(err, serr)
		return nil, serr
	}
	return res, nil
}

// run drives the before chain, the handler and the after chain. A panic in
// any of them is recovered and reported as an Unknown error.
func (e *entry) run(c *Context) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &status.Error{
				Code:    status.Unknown,
				Message: fmt.Sprintf("handler panicked (recovered): %v", x),
				Cause:   panicError{value: x},
			}
		}
	}()

	ok, err := runStages(e.before, c)
	if err != nil {
		return nil, err
	} else if !ok {
		// A before stage stopped the chain without failing. Respond with
		// whatever it left in the result slot.
		res, _ := c.Result()
		return res, nil
	}

	if err := e.checkStage(c); err != nil {
		return nil, err
	}
	res, err := e.handler(c)
	if err != nil {
		return nil, err
	}
	c.Set(ResultKey, res)

	if err := e.checkStage(c); err != nil {
		return nil, err
	}
	if _, err := runStages(e.after, c); err != nil {
		return nil, err
	}
	res, _ = c.Result()
	return res, nil
}

// checkStage reports a cancellation between stages, if enabled.
func (e *entry) checkStage(c *Context) error {
	if e.stageCancel && isCancelled(c.ctx, c.call) {
		return status.New(status.Canceled, "call cancelled")
	}
	return nil
}

func (e *entry) logFailure(err error, serr *status.Error) {
	logSafely(e.log, func(log *zap.Logger) {
		fields := []zap.Field{zap.Stringer("code", serr.Code), zap.String("message", serr.Message)}
		var pe panicError
		if errors.Is(err, ErrNextCalledTwice) || errors.As(err, &pe) {
			log.Error("call failed: programming error", fields...)
			return
		}
		log.Warn("call failed", fields...)
	})
}

func (e *entry) notify(serr *status.Error, d time.Duration) {
	if len(e.observers) == 0 {
		return
	}
	rep := Report{Service: e.service, Method: e.method, Code: status.OK, Duration: d}
	if serr != nil {
		rep.Code = serr.Code
		rep.Err = serr
	}
	for _, obs := range e.observers {
		func() {
			defer func() { _ = recover() }()
			obs(rep)
		}()
	}
}

func isCancelled(ctx context.Context, call Call) bool {
	return call.Cancelled() || ctx.Err() != nil
}

// panicError records a value recovered from a middleware or handler panic.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// WiringError reports a declared method that has no registered handler.
type WiringError struct {
	Service string
	Method  string
}

func (w *WiringError) Error() string {
	return "dispatch: no handler registered for " + w.Service + "." + w.Method
}
