package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"ipc-rpc/message"
)

// ErrRateLimited is returned for requests rejected by RateLimit.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit rejects requests beyond r per second using a token bucket with the
// given burst. A rejected request never reaches the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req, resp *message.IpcMessage) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, req, resp)
		}
	}
}
