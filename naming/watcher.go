package naming

import (
	"context"
	"sync"
)

// Watcher is an Actions that keeps the latest list for readers.
type Watcher struct {
	mu      sync.RWMutex
	servers []ServerNode
	version uint64
	first   chan struct{}
	once    sync.Once
	notify  func([]ServerNode)
}

// NewWatcher creates a Watcher. notify, if not nil, is called after every
// reset with the new list.
func NewWatcher(notify func([]ServerNode)) *Watcher {
	return &Watcher{first: make(chan struct{}), notify: notify}
}

// ResetServers stores a copy of servers, releases WaitForFirstBatch and calls
// notify.
func (w *Watcher) ResetServers(servers []ServerNode) {
	cp := append([]ServerNode(nil), servers...)
	w.mu.Lock()
	w.servers = cp
	w.version++
	w.mu.Unlock()

	w.once.Do(func() { close(w.first) })
	if w.notify != nil {
		w.notify(cp)
	}
}

// Servers returns the latest list. Callers must not modify it.
func (w *Watcher) Servers() []ServerNode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.servers
}

// Version counts resets so far.
func (w *Watcher) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// WaitForFirstBatch blocks until the first reset, which may carry an empty list.
func (w *Watcher) WaitForFirstBatch(ctx context.Context) error {
	select {
	case <-w.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
