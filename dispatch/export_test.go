package dispatch

import "context"

// NewContextForTest exposes newContext to the external test package.
func NewContextForTest(ctx context.Context, call Call, service, method string) *Context {
	return newContext(ctx, call, service, method)
}
