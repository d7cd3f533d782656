// Package dispatch implements the unary request-dispatch engine: a per-service
// method registry plus a two-phase (before/after) middleware pipeline that
// wraps application handlers and maps every outcome to a transport status.
//
// Wiring and serving are separate phases:
//
//	r := dispatch.NewRouter("health.Health", dispatch.WithLogger(log))
//	r.Before(authMiddleware)
//	r.Handle("check", checkHandler)
//	r.After(auditMiddleware)
//	svc, err := r.Assemble()   // wiring errors are reported here
//
// The assembled Service maps each method name to a UnaryHandler that a
// transport calls once per inbound call:
//
//	Call → cancel check → before chain → handler → after chain → response
//
// Registration is not synchronized against dispatch. All calls to Handle,
// Before, After and Mount must happen before the assembled service starts
// taking traffic; the router and its registry are read-only afterwards.
//
// Within a call, stages run strictly one after another in registration order.
// There is no ordering between distinct calls.
package dispatch
