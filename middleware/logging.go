package middleware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ipc-rpc/message"
)

// Logging logs every request with its sizes and duration. Failed requests are
// logged at Warn, the rest at Debug.
func Logging(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("access")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req, resp *message.IpcMessage) error {
			start := time.Now()
			err := next(ctx, req, resp)
			fields := []zap.Field{
				zap.Int("req_bytes", len(req.Body)),
				zap.Int("resp_bytes", len(resp.Body)),
				zap.Duration("took", time.Since(start)),
			}
			if err != nil {
				log.Warn("request failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("request served", fields...)
			}
			return err
		}
	}
}

// Recover turns a panicking handler into an error.
func Recover(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req, resp *message.IpcMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
					err = &PanicError{Value: r}
				}
			}()
			return next(ctx, req, resp)
		}
	}
}

// PanicError carries the value a handler panicked with.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("middleware: handler panicked: %v", e.Value)
}
