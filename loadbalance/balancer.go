// Package loadbalance picks one server out of a naming snapshot for each call.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity servers
//   - WeightedRandom:  Heterogeneous servers, weight carried in the node tag
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"errors"

	"ipc-rpc/naming"
)

// ErrNoServers is returned by Pick when the server list is empty.
var ErrNoServers = errors.New("loadbalance: no servers available")

// Balancer is the interface for load balancing strategies.
// The cluster calls Pick before each call to select a target server.
type Balancer interface {
	// Pick selects one server from nodes. key is the affinity key of the
	// call; strategies without affinity ignore it.
	// Called on every call, must be goroutine-safe.
	Pick(nodes []naming.ServerNode, key string) (naming.ServerNode, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, or nil.
func New(name string) Balancer {
	switch name {
	case "", "rr", "RoundRobin":
		return &RoundRobinBalancer{}
	case "wr", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ch", "ConsistentHash":
		return NewConsistentHashBalancer()
	}
	return nil
}
