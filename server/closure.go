package server

import (
	"context"
	"sync"
	"sync/atomic"
)

// closure sends the response once every party working on the request is done.
//
// The run counter starts at 1 for the handler itself. Defer adds one for each
// piece of work the handler leaves running; the reply goes out when the counter
// drops back to zero, exactly once.
type closure struct {
	remaining atomic.Int32
	send      func()
}

func newClosure(send func()) *closure {
	c := &closure{send: send}
	c.remaining.Store(1)
	return c
}

func (c *closure) suspend() {
	c.remaining.Add(1)
}

func (c *closure) resume() {
	if c.remaining.Add(-1) == 0 {
		c.send()
	}
}

type closureKey struct{}

func withClosure(ctx context.Context, c *closure) context.Context {
	return context.WithValue(ctx, closureKey{}, c)
}

// Defer holds back the response of the request ctx belongs to until the
// returned resume function is called. Handlers use it to finish work in another
// goroutine after returning:
//
//	func (s *svc) ProcessIpcRequest(ctx context.Context, req, resp *message.IpcMessage) error {
//		resume := server.Defer(ctx)
//		go func() {
//			defer resume()
//			resp.SetBody(slowLookup(req.Body))
//		}()
//		return nil
//	}
//
// Calling resume more than once has no further effect. Outside a server
// request, Defer returns a no-op.
func Defer(ctx context.Context) (resume func()) {
	c, ok := ctx.Value(closureKey{}).(*closure)
	if !ok {
		return func() {}
	}
	c.suspend()
	var once sync.Once
	return func() { once.Do(c.resume) }
}
