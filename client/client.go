// Package client provides Channel, the caller-facing handle for sending IPC
// requests to one server address.
//
// A Channel dials lazily and keeps a single transport.ClientTransport for as long
// as the connection stays healthy. A failed connection is dropped and redialed on
// the next attempt; transport failures are retried up to MaxRetry times.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ipc-rpc/message"
	"ipc-rpc/protocol"
	"ipc-rpc/transport"
)

var (
	// ErrInvalidArgument is returned when Call is given something other than
	// a non-nil *message.IpcMessage for the request or the response.
	ErrInvalidArgument = errors.New("client: request and response must be *message.IpcMessage")
	// ErrChannelClosed is returned by Call after Close.
	ErrChannelClosed = errors.New("client: channel closed")
)

const (
	DefaultConnectTimeout = 200 * time.Millisecond
	DefaultMaxRetry       = 3
)

// Options configures a Channel.
type Options struct {
	ConnectTimeout time.Duration // Dial timeout, 0 means DefaultConnectTimeout
	Timeout        time.Duration // Whole-call timeout including retries, 0 means none
	MaxRetry       int           // Extra attempts after a transport failure, negative means DefaultMaxRetry
	Backoff        time.Duration // Base delay between attempts, doubled each time
	MaxBodySize    uint32
	Auth           transport.Authenticator
	Logger         *zap.Logger
}

// Channel sends requests to a single server address.
type Channel struct {
	addr string
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	ct     *transport.ClientTransport
	closed bool
}

// NewChannel validates addr ("host:port") and returns an undialed channel.
func NewChannel(addr string, opts Options) (*Channel, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("client: invalid address %q: %w", addr, err)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = DefaultMaxRetry
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		addr: addr,
		opts: opts,
		log:  opts.Logger.Named("channel").With(zap.String("addr", addr)),
	}, nil
}

// Addr returns the server address.
func (c *Channel) Addr() string {
	return c.addr
}

// Call sends req and fills resp with the reply. Both must be *message.IpcMessage.
//
// The request header gets the protocol magic and a BodyLen matching its body.
// Connection-level failures are retried; a context error or a reply carrying
// the wrong magic ends the call right away.
func (c *Channel) Call(ctx context.Context, req, resp any) error {
	reqMsg, ok := req.(*message.IpcMessage)
	if !ok || reqMsg == nil {
		return fmt.Errorf("%w: request is %T", ErrInvalidArgument, req)
	}
	respMsg, ok := resp.(*message.IpcMessage)
	if !ok || respMsg == nil {
		return fmt.Errorf("%w: response is %T", ErrInvalidArgument, resp)
	}
	reqMsg.SetBody(reqMsg.Body)

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetry; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying call", zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		ct, err := c.transport(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) {
				return err
			}
			lastErr = err
			continue
		}

		r, err := ct.RoundTrip(ctx, reqMsg)
		if err == nil {
			respMsg.Swap(r)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if ct.Err() != nil {
				c.drop(ct)
			}
			return ctxErr
		}
		if errors.Is(err, protocol.ErrBadMagic) {
			return err
		}
		c.drop(ct)
		lastErr = err
	}
	return fmt.Errorf("client: call %s failed after %d attempts: %w", c.addr, c.opts.MaxRetry+1, lastErr)
}

func (c *Channel) backoff(ctx context.Context, attempt int) error {
	if c.opts.Backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.opts.Backoff * time.Duration(1<<(attempt-1)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transport returns the live connection, dialing one if needed.
func (c *Channel) transport(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.ct != nil && c.ct.Err() == nil {
		return c.ct, nil
	}

	d := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	c.log.Debug("connected")
	c.ct = transport.NewClientTransport(conn, transport.Options{
		Logger:      c.opts.Logger,
		MaxBodySize: c.opts.MaxBodySize,
		Auth:        c.opts.Auth,
	})
	return c.ct, nil
}

func (c *Channel) drop(ct *transport.ClientTransport) {
	c.mu.Lock()
	if c.ct == ct {
		c.ct = nil
	}
	c.mu.Unlock()
	_ = ct.Close()
}

// Close closes the connection, if any. Calls in progress fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	ct := c.ct
	c.ct, c.closed = nil, true
	c.mu.Unlock()

	if ct == nil {
		return nil
	}
	return ct.Close()
}
