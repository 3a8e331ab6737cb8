package loadbalance

import (
	"sync/atomic"

	"ipc-rpc/naming"
)

// RoundRobinBalancer distributes calls evenly across all servers in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Pick
}

func (b *RoundRobinBalancer) Pick(nodes []naming.ServerNode, _ string) (naming.ServerNode, error) {
	if len(nodes) == 0 {
		return naming.ServerNode{}, ErrNoServers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(nodes))
	return nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
