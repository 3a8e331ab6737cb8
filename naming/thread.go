package naming

import (
	"context"
	"errors"
)

// Thread is a Poller running in its own goroutine.
type Thread struct {
	service string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Start validates its arguments and runs p for service until ctx is done or
// Stop is called.
func Start(ctx context.Context, p *Poller, service string, actions Actions) (*Thread, error) {
	switch {
	case p == nil:
		return nil, errors.New("naming: nil poller")
	case service == "":
		return nil, errors.New("naming: empty service name")
	case actions == nil:
		return nil, errors.New("naming: nil actions")
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Thread{
		service: service,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		t.err = p.Run(ctx, service, actions)
	}()
	return t, nil
}

// Service returns the watched service name.
func (t *Thread) Service() string {
	return t.service
}

// Stop asks the poller to quit and waits for it.
func (t *Thread) Stop() error {
	t.cancel()
	return t.Wait()
}

// Wait blocks until the poller has quit and returns its error. It is nil unless
// the poller hit an unrecoverable fault.
func (t *Thread) Wait() error {
	<-t.done
	return t.err
}

// Done is closed once the poller has quit.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}
