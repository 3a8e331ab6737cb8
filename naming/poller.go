package naming

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State is where a Poller is in its cycle.
type State int32

const (
	StateInit State = iota
	StateDiscovering
	StateReportedOK
	StateReportedEmpty
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDiscovering:
		return "DISCOVERING"
	case StateReportedOK:
		return "REPORTED_OK"
	case StateReportedEmpty:
		return "REPORTED_EMPTY"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	DefaultPollInterval  = 3 * time.Second
	DefaultRetryInterval = time.Second
)

// PollerOptions configures a Poller. Zero fields take the defaults.
type PollerOptions struct {
	PollInterval  time.Duration // Sleep after a successful lookup
	RetryInterval time.Duration // Sleep after a failed one
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Poller keeps one service's server list fresh.
type Poller struct {
	ns    NamingService
	opts  PollerOptions
	log   *zap.Logger
	state atomic.Int32
}

// NewPoller creates a Poller that asks ns. It does nothing until Run.
func NewPoller(ns NamingService, opts PollerOptions) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{ns: ns, opts: opts, log: opts.Logger.Named("poller")}
}

// State returns the current state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Run polls service until ctx is done, which makes it return nil.
//
// Every successful lookup is reported through actions.ResetServers, empty
// lists included. A failed lookup keeps the last list, except on the very first
// cycle: an empty list is reported then so that consumers waiting for a first
// batch are released. Stop is checked before each cycle and while sleeping;
// a lookup already issued runs to completion.
//
// A panic in the naming service or in actions is returned wrapped in ErrFatal.
func (p *Poller) Run(ctx context.Context, service string, actions Actions) (err error) {
	log := p.log.With(zap.String("service", service))
	defer func() {
		if r := recover(); r != nil {
			log.Error("poller fault", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrFatal, r)
		}
		p.setState(StateStopped)
	}()

	everReset := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		p.setState(StateDiscovering)
		servers, lookupErr := p.ns.GetServers(context.WithoutCancel(ctx), service)
		if ctx.Err() != nil {
			log.Debug("quit after lookup")
			return nil
		}

		wait := p.opts.PollInterval
		if lookupErr == nil {
			everReset = true
			actions.ResetServers(servers)
			if len(servers) == 0 {
				p.setState(StateReportedEmpty)
			} else {
				p.setState(StateReportedOK)
			}
		} else {
			log.Error("lookup failed", zap.Error(lookupErr))
			if !everReset {
				everReset = true
				actions.ResetServers([]ServerNode{})
				p.setState(StateReportedEmpty)
			}
			wait = p.opts.RetryInterval
		}

		if !p.sleep(ctx, wait) {
			log.Debug("quit while sleeping")
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := p.opts.Clock.Timer(d)
	defer timer.Stop()
	p.setState(StateSleeping)
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
