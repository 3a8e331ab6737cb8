// Package middleware wraps the server's request handler.
//
// A middleware receives the next handler and returns a new one, so Chain(A, B)
// runs A's code around B's code around the handler:
//
//	A.before → B.before → handler → B.after → A.after
package middleware

import (
	"context"

	"ipc-rpc/message"
)

// HandlerFunc processes one request and fills resp. The returned error is
// logged by the server; whatever is in resp is still written back.
type HandlerFunc func(ctx context.Context, req, resp *message.IpcMessage) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares, the first one outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
