// Package transport implements the client side of an IPC connection.
//
// The IPC header carries no sequence number, so responses cannot be matched to
// requests by anything on the wire. Instead the connection remembers the
// correlation id of the request it is currently serving, and a background
// goroutine (readLoop) hands each response to whichever call owns that id.
// That only works with one request in flight per connection:
//
//	RoundTrip ──(1) id=7, pending[7]=ch, current=7──┐
//	          ──(2) write frame ───────────────────→│ conn │──→ Server
//	readLoop  ←─(3) response frame ─────────────────│      │←──
//	          ──(4) pending[current] → ch ──→ RoundTrip wakes up
//
// A frame that arrives with no pending call is logged and dropped. A read error,
// an oversized frame or a call given up after its write fails the connection and
// every pending call.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ipc-rpc/message"
	"ipc-rpc/protocol"
)

// ErrClosed is returned by calls on a transport whose connection has failed or
// been closed. The underlying cause, if any, is wrapped alongside.
var ErrClosed = errors.New("transport: connection closed")

// Authenticator produces the credential written ahead of the first request on a
// connection.
type Authenticator interface {
	Credential() ([]byte, error)
}

// Options configures a ClientTransport.
type Options struct {
	Logger      *zap.Logger   // nil means no logging
	MaxBodySize uint32        // Largest response body accepted, 0 means protocol.DefaultMaxBodySize
	Auth        Authenticator // Optional
}

type result struct {
	resp *message.IpcMessage
	err  error
}

// ClientTransport owns one connection to an IPC server.
type ClientTransport struct {
	conn net.Conn
	log  *zap.Logger
	opts Options

	slot    chan struct{} // One round trip at a time; a channel so waiting respects ctx
	authed  bool          // Guarded by slot
	nextID  atomic.Uint64
	current atomic.Uint64 // Correlation id bound to the connection, 0 when idle
	pending sync.Map      // map[uint64]chan result

	closeOnce sync.Once
	done      chan struct{} // Closed once the connection has failed
	err       error         // Why; readable after done is closed
	readDone  chan struct{}
}

// NewClientTransport takes ownership of conn and starts its read loop.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = protocol.DefaultMaxBodySize
	}
	t := &ClientTransport{
		conn:     conn,
		log:      opts.Logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		opts:     opts,
		slot:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// RoundTrip sends req and waits for the matching response.
//
// The request header is stamped with the protocol magic and its BodyLen is
// recomputed before writing. Concurrent callers are served one after another.
// A response with the wrong magic yields protocol.ErrBadMagic; the connection
// stays usable. A call abandoned through ctx after its request was written
// fails the connection, so its late reply can never reach another call.
func (t *ClientTransport) RoundTrip(ctx context.Context, req *message.IpcMessage) (*message.IpcMessage, error) {
	// Step 1: Wait for the connection to be free
	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, t.err
	}
	defer func() { <-t.slot }()

	// Step 2: Register the call and bind its id to the connection BEFORE writing,
	// so readLoop can find it no matter how fast the reply comes back
	id := t.nextID.Add(1)
	ch := make(chan result, 1) // Buffered so readLoop never blocks on an abandoned call
	t.pending.Store(id, ch)
	t.current.Store(id)

	// Step 3: Write
	if err := t.write(ctx, req); err != nil {
		t.pending.Delete(id)
		t.current.CompareAndSwap(id, 0)
		return nil, err
	}

	// Step 4: Wait for readLoop, the caller or a dead connection
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		if _, ok := t.pending.LoadAndDelete(id); !ok {
			// The reply, or the connection error, got there first
			r := <-ch
			return r.resp, r.err
		}
		// The reply may still arrive, and nothing on the wire tells it apart
		// from the reply to the next request
		t.fail(fmt.Errorf("request abandoned: %w", ctx.Err()))
		return nil, ctx.Err()
	case <-t.done:
		if _, ok := t.pending.LoadAndDelete(id); ok {
			return nil, t.err
		}
		// closeAllPending got there first
		r := <-ch
		return r.resp, r.err
	}
}

func (t *ClientTransport) write(ctx context.Context, req *message.IpcMessage) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	var err error
	if t.opts.Auth != nil && !t.authed {
		var cred []byte
		cred, err = t.opts.Auth.Credential()
		if err != nil {
			return fmt.Errorf("transport: generate credential: %w", err)
		}
		// Credential and first frame go out in one write
		buf := append([]byte(nil), cred...)
		buf = protocol.Append(buf, req.Head, req.Body)
		req.Head = protocol.ParseHeader(buf[len(cred):])
		_, err = t.conn.Write(buf)
		if err == nil {
			t.authed = true
		}
	} else {
		err = protocol.Encode(t.conn, &req.Head, req.Body)
	}
	if err != nil {
		t.fail(err)
		return t.err
	}
	t.log.Debug("request sent", zap.Uint32("body_len", req.Head.BodyLen))
	return nil
}

// readLoop is the only reader of the connection. Frame boundaries can only be
// found by reading the stream in order.
func (t *ClientTransport) readLoop() {
	defer close(t.readDone)

	sc := protocol.NewScanner(t.conn, t.opts.MaxBodySize)
	for sc.Scan() {
		f := sc.Frame()

		id := t.current.Load()
		v, ok := t.pending.LoadAndDelete(id)
		if !ok {
			t.log.Warn("discarding response with no pending call",
				zap.Uint32("body_len", f.Header.BodyLen))
			continue
		}
		t.current.CompareAndSwap(id, 0)
		ch := v.(chan result)

		if err := protocol.Verify(f.Header); err != nil {
			t.log.Warn("response rejected", zap.Uint64("correlation_id", id), zap.Error(err))
			ch <- result{err: err}
			continue
		}
		resp := &message.IpcMessage{}
		resp.FromFrame(f)
		ch <- result{resp: resp}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.fail(err)
}

// fail tears the connection down once and wakes every pending call.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		if errors.Is(cause, ErrClosed) {
			t.err = cause
		} else {
			t.err = fmt.Errorf("%w: %w", ErrClosed, cause)
			t.log.Warn("connection failed", zap.Error(cause))
		}
		close(t.done)
		_ = t.conn.Close()
		t.closeAllPending()
	})
}

// closeAllPending delivers the connection error to every caller still waiting,
// so nobody blocks forever on a dead connection.
func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: t.err}
		}
		return true
	})
}

// Done is closed once the connection can no longer be used.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the connection failed, or nil while it is healthy.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close closes the connection and waits for the read loop to exit.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	<-t.readDone
	return nil
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
