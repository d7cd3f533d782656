package dispatch

import (
	"encoding/json"

	"unary-rpc/status"
)

// Unary adapts a function f that accepts a request of type Req and returns a
// result of type Res and an error, to a Handler.
//
// If the call request already has type Req it is passed through. A []byte or
// json.RawMessage request is decoded as JSON into a Req, and a nil request
// yields the zero Req. Any other request type is rejected as InvalidArgument
// without calling f.
func Unary[Req, Res any](f func(*Context, Req) (Res, error)) Handler {
	return func(c *Context) (any, error) {
		req, err := decodeRequest[Req](c.Request())
		if err != nil {
			return nil, err
		}
		return f(c, req)
	}
}

// Result adapts a function f that ignores its request and returns a result of
// type Res and an error, to a Handler.
func Result[Res any](f func(*Context) (Res, error)) Handler {
	return func(c *Context) (any, error) { return f(c) }
}

func decodeRequest[Req any](v any) (Req, error) {
	var req Req
	switch t := v.(type) {
	case Req:
		return t, nil
	case nil:
		return req, nil
	case json.RawMessage:
		return unmarshalRequest[Req](t)
	case []byte:
		return unmarshalRequest[Req](t)
	default:
		return req, status.Newf(status.InvalidArgument, "request has type %T, want %T", v, req)
	}
}

func unmarshalRequest[Req any](data []byte) (Req, error) {
	var req Req
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, status.Newf(status.InvalidArgument, "decoding request: %v", err)
	}
	return req, nil
}
