package middleware

import (
	"context"
	"time"

	"unary-rpc/dispatch"
	"unary-rpc/status"
)

// TimeoutKey is the metadata key carrying the caller's timeout, in the
// format accepted by time.ParseDuration.
const TimeoutKey = "timeout"

// Deadline bounds the context of each call by the timeout the caller sent
// under TimeoutKey, capped at limit. A call without a timeout gets limit, and
// a zero limit leaves such calls unbounded. A malformed timeout is rejected
// with InvalidArgument.
//
// The derived context is released by the dispatch engine, which cancels
// every call context when the call ends.
func Deadline(limit time.Duration) dispatch.Middleware {
	return newNamed("deadline", func(c *dispatch.Context, next dispatch.Next) error {
		d := limit
		if v := c.Metadata().Get(TimeoutKey); v != "" {
			t, err := time.ParseDuration(v)
			if err != nil || t <= 0 {
				return status.Newf(status.InvalidArgument, "invalid %s %q", TimeoutKey, v)
			}
			if limit <= 0 || t < limit {
				d = t
			}
		}
		if d > 0 {
			ctx, cancel := context.WithTimeout(c.Context(), d)
			context.AfterFunc(ctx, cancel)
			c.SetContext(ctx)
		}
		return next()
	})
}
