// Package cluster calls a service backed by many servers. It keeps the server
// list fresh with a naming.Poller, picks a server per call with a
// loadbalance.Balancer and keeps one client.Channel per server address.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ipc-rpc/client"
	"ipc-rpc/loadbalance"
	"ipc-rpc/message"
	"ipc-rpc/naming"
)

// ErrServerGone is returned by Call when the picked server left the list
// before a channel to it was made.
var ErrServerGone = errors.New("cluster: server left the list")

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("cluster: closed")

// Options configures a Cluster.
type Options struct {
	Balancer loadbalance.Balancer // nil means round robin
	Channel  client.Options       // Used for every per-server channel
	Poller   naming.PollerOptions
	Logger   *zap.Logger
}

// Cluster is a naming.Actions: feed it server lists and call through it.
type Cluster struct {
	service  string
	balancer loadbalance.Balancer
	opts     Options
	log      *zap.Logger
	watcher  *naming.Watcher

	mu       sync.Mutex
	channels map[netip.AddrPort]*client.Channel
	thread   *naming.Thread
	closed   bool
}

// New creates a cluster for service. Nothing feeds it until Start is called or
// ResetServers is called directly.
func New(service string, opts Options) *Cluster {
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Channel.Logger == nil {
		opts.Channel.Logger = opts.Logger
	}
	c := &Cluster{
		service:  service,
		balancer: opts.Balancer,
		opts:     opts,
		log:      opts.Logger.Named("cluster").With(zap.String("service", service)),
		channels: make(map[netip.AddrPort]*client.Channel),
	}
	c.watcher = naming.NewWatcher(c.prune)
	return c
}

// Dial creates a cluster fed by a poller over ns and waits for its first
// server list, which may be empty.
func Dial(ctx context.Context, ns naming.NamingService, service string, opts Options) (*Cluster, error) {
	c := New(service, opts)
	if err := c.Start(ctx, ns); err != nil {
		return nil, err
	}
	if err := c.watcher.WaitForFirstBatch(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Start polls ns in the background until Close.
func (c *Cluster) Start(ctx context.Context, ns naming.NamingService) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.thread != nil {
		return fmt.Errorf("cluster: %s already started", c.service)
	}
	opts := c.opts.Poller
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	th, err := naming.Start(context.WithoutCancel(ctx), naming.NewPoller(ns, opts), c.service, c)
	if err != nil {
		return err
	}
	c.thread = th
	return nil
}

// ResetServers replaces the server list and closes the channels of servers
// that left it.
func (c *Cluster) ResetServers(servers []naming.ServerNode) {
	c.watcher.ResetServers(servers)
}

// Servers returns the latest server list.
func (c *Cluster) Servers() []naming.ServerNode {
	return c.watcher.Servers()
}

// WaitForFirstBatch blocks until the cluster got its first server list.
func (c *Cluster) WaitForFirstBatch(ctx context.Context) error {
	return c.watcher.WaitForFirstBatch(ctx)
}

// Call sends req to one server picked for key and fills resp with the reply.
// A server that leaves the list between the pick and the dial is picked again
// once.
func (c *Cluster) Call(ctx context.Context, key string, req, resp *message.IpcMessage) error {
	var ch *client.Channel
	for attempt := 0; ; attempt++ {
		node, err := c.balancer.Pick(c.watcher.Servers(), key)
		if err != nil {
			return fmt.Errorf("cluster: %s: %w", c.service, err)
		}
		ch, err = c.channel(node.Addr)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrServerGone) || attempt > 0 {
			return err
		}
	}
	return ch.Call(ctx, req, resp)
}

// channel returns the channel to addr, creating it only while addr is in the
// current list. prune runs after the list is replaced and takes c.mu, so a
// channel created here is either pruned later or belongs to a listed server.
func (c *Cluster) channel(addr netip.AddrPort) (*client.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if ch, ok := c.channels[addr]; ok {
		return ch, nil
	}
	if !slices.ContainsFunc(c.watcher.Servers(), func(n naming.ServerNode) bool { return n.Addr == addr }) {
		return nil, fmt.Errorf("%w: %s", ErrServerGone, addr)
	}
	ch, err := client.NewChannel(addr.String(), c.opts.Channel)
	if err != nil {
		return nil, err
	}
	c.channels[addr] = ch
	return ch, nil
}

// prune closes the channels of servers that left the list.
func (c *Cluster) prune(servers []naming.ServerNode) {
	keep := make(map[netip.AddrPort]struct{}, len(servers))
	for _, s := range servers {
		keep[s.Addr] = struct{}{}
	}

	var gone []*client.Channel
	c.mu.Lock()
	for addr, ch := range c.channels {
		if _, ok := keep[addr]; !ok {
			gone = append(gone, ch)
			delete(c.channels, addr)
		}
	}
	c.mu.Unlock()

	for _, ch := range gone {
		c.log.Info("server left", zap.String("addr", ch.Addr()))
		if err := ch.Close(); err != nil {
			c.log.Warn("close channel failed", zap.String("addr", ch.Addr()), zap.Error(err))
		}
	}
	c.log.Debug("server list updated", zap.Int("servers", len(servers)))
}

// Close stops the poller and closes every channel.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	th := c.thread
	channels := c.channels
	c.channels = make(map[netip.AddrPort]*client.Channel)
	c.mu.Unlock()

	var errs error
	if th != nil {
		errs = multierr.Append(errs, th.Stop())
	}
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Close())
	}
	return errs
}
