package middleware

import (
	"context"
	"fmt"
	"time"

	"ipc-rpc/message"
)

// Timeout bounds the handler's run time. The handler fills a private response
// that is moved into resp only if it finishes in time, so a handler still
// running after the deadline never touches the response being written.
// Handlers that complete through server.Defer must not sit behind Timeout: the
// private response is moved before their deferred work fills it.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req, resp *message.IpcMessage) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			own := &message.IpcMessage{}
			done := make(chan error, 1)
			go func() {
				done <- next(ctx, req, own)
			}()

			select {
			case err := <-done:
				resp.Swap(own)
				return err
			case <-ctx.Done():
				return fmt.Errorf("middleware: request timed out after %s: %w", timeout, ctx.Err())
			}
		}
	}
}
