// Package server implements the IPC server: it accepts connections, cuts
// request frames off the stream, runs them through the middleware chain into a
// Service, and writes the response back on the same connection.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames, Verify magic)
//	  → gate: service set? server running? concurrency slot free?
//	    → go handleRequest → middleware chain → Service.ProcessIpcRequest
//	      → closure (waits for Defer'd work) → write response under conn lock
//
// A request that fails the gate gets no reply at all, the same as a request the
// server never saw. A request with the wrong magic closes the connection.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ipc-rpc/message"
	"ipc-rpc/middleware"
	"ipc-rpc/protocol"
	"ipc-rpc/registry"
)

// Options configures a Server.
type Options struct {
	// MaxConcurrency caps requests being processed at once, across all
	// connections. Requests over the cap are dropped. 0 means no cap.
	MaxConcurrency int64
	MaxBodySize    uint32 // 0 means protocol.DefaultMaxBodySize
	Logger         *zap.Logger

	// When Registrar is set, Serve announces Instance under Name and Shutdown
	// withdraws it.
	Registrar registry.Registrar
	Name      string
	Instance  registry.ServiceInstance
	TTL       time.Duration
}

// Server is an IPC server bound to a single Service.
type Server struct {
	opts    Options
	log     *zap.Logger
	service Service
	sem     *semaphore.Weighted // nil when uncapped

	middlewares  []middleware.Middleware
	handler      middleware.HandlerFunc // middleware(middleware(...(service)))
	buildHandler sync.Once

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup // In-flight requests, including deferred ones
	shutdown  atomic.Bool
	announced bool

	ctx    context.Context // Parent of every request context, canceled by Shutdown
	cancel context.CancelFunc
}

// NewServer creates a server dispatching to svc. A nil svc is allowed; every
// request is then dropped.
func NewServer(svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = protocol.DefaultMaxBodySize
	}
	s := &Server{
		opts:      opts,
		log:       opts.Logger.Named("server"),
		service:   svc,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	if opts.MaxConcurrency > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrency)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Use registers a middleware. Middlewares apply in the order they are added and
// must be registered before serving starts.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener accepts connections on l until Shutdown, which makes it return
// nil. Any other accept error is returned.
func (s *Server) ServeListener(l net.Listener) error {
	s.buildHandler.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	})

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.log.Info("serving", zap.Stringer("addr", l.Addr()))
	if err := s.announce(); err != nil {
		s.log.Error("register failed", zap.Error(err))
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) announce() error {
	if s.opts.Registrar == nil {
		return nil
	}
	s.mu.Lock()
	if s.announced {
		s.mu.Unlock()
		return nil
	}
	s.announced = true
	s.mu.Unlock()
	return s.opts.Registrar.Register(s.ctx, s.opts.Name, s.opts.Instance, s.opts.TTL)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn reads frames off one connection. Reads are sequential, each
// request runs in its own goroutine, and the per-connection writeMu keeps
// concurrent responses from interleaving on the stream.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}

	sc := protocol.NewScanner(conn, s.opts.MaxBodySize)
	for sc.Scan() {
		f := sc.Frame()
		if err := protocol.Verify(f.Header); err != nil {
			log.Warn("closing connection", zap.Error(err))
			return
		}
		if !s.admit(log) {
			continue
		}
		req := &message.IpcMessage{}
		req.FromFrame(f)
		go s.handleRequest(conn, writeMu, req)
	}
	if err := sc.Err(); err != nil && !s.shutdown.Load() {
		log.Warn("connection closed", zap.Error(err))
	}
}

// admit decides whether a request gets processed. On success the caller owns
// a wg slot and a concurrency slot, released by the request's closure.
func (s *Server) admit(log *zap.Logger) bool {
	if s.service == nil {
		log.Error("dropping request: no service registered")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		log.Warn("dropping request: server is stopping")
		return false
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		log.Warn("dropping request: max concurrency reached",
			zap.Int64("max_concurrency", s.opts.MaxConcurrency))
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, req *message.IpcMessage) {
	resp := &message.IpcMessage{}
	c := newClosure(func() {
		defer s.wg.Done()
		// The work is done; the slot frees up before the reply can reach the peer
		if s.sem != nil {
			s.sem.Release(1)
		}
		s.writeResponse(conn, writeMu, resp)
	})

	ctx := withClosure(s.ctx, c)
	if err := s.handler(ctx, req, resp); err != nil {
		s.log.Warn("handler returned error", zap.Error(err))
	}
	c.resume()
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp *message.IpcMessage) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &resp.Head, resp.Body); err != nil {
		s.log.Warn("write response failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// dispatch is the innermost handler, wrapped by the middleware chain.
func (s *Server) dispatch(ctx context.Context, req, resp *message.IpcMessage) error {
	return s.service.ProcessIpcRequest(ctx, req, resp)
}

// Shutdown stops the server gracefully:
//  1. Withdraw the registry announcement, so clients stop routing here
//  2. Set the shutdown flag and close the listeners
//  3. Wait for in-flight requests, deferred ones included, up to timeout
//  4. Close every connection
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error

	s.mu.Lock()
	announced := s.announced
	s.mu.Unlock()
	if announced {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = multierr.Append(errs, s.opts.Registrar.Deregister(ctx, s.opts.Name, s.opts.Instance))
		cancel()
	}

	// The flag goes up under mu so admit never adds to wg once Wait may run
	s.mu.Lock()
	s.shutdown.Store(true)
	for l := range s.listeners {
		errs = multierr.Append(errs, l.Close())
	}
	s.listeners = make(map[net.Listener]struct{})
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("server: requests still running after %s", timeout))
	}
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return errs
}
