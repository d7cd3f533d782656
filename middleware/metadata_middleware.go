package middleware

import (
	"github.com/google/uuid"

	"unary-rpc/dispatch"
	"unary-rpc/status"
)

// RequestIDKey is the metadata key, and the state key, holding the request ID.
const RequestIDKey = "request-id"

// RequestID ensures every call has a request ID. The caller's ID is kept if
// it sent one, and a random UUID is used otherwise. The ID is stored in the
// call state under RequestIDKey and echoed in the response header.
func RequestID() dispatch.Middleware {
	return newNamed("request_id", func(c *dispatch.Context, next dispatch.Next) error {
		id := c.Metadata().Get(RequestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Outbound().Header[RequestIDKey] = id
		return next()
	})
}

// RequireMetadata rejects calls missing any of the given metadata keys with
// Unauthenticated.
func RequireMetadata(keys ...string) dispatch.Middleware {
	return newNamed("require_metadata", func(c *dispatch.Context, next dispatch.Next) error {
		for _, k := range keys {
			if c.Metadata().Get(k) == "" {
				return status.Newf(status.Unauthenticated, "missing metadata %q", k)
			}
		}
		return next()
	})
}
