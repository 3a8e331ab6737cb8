package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"sync"

	"ipc-rpc/naming"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to servers using a hash ring.
// The same key always maps to the same server until the server list changes.
//
// Each real server is mapped to N virtual nodes on the ring so that a handful
// of servers still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.Mutex
	members []naming.ServerNode          // Server list the ring was built from
	ring    []uint32                     // Sorted hash values on the ring
	nodes   map[uint32]naming.ServerNode // Hash value → server
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per server.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

// Pick hashes key and walks clockwise to the first virtual node. The ring is
// rebuilt whenever nodes differs from the list it was built from.
func (b *ConsistentHashBalancer) Pick(nodes []naming.ServerNode, key string) (naming.ServerNode, error) {
	if len(nodes) == 0 {
		return naming.ServerNode{}, ErrNoServers
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Equal(b.members, nodes) {
		b.rebuild(nodes)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Past the last node: wrap around
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(nodes []naming.ServerNode) {
	b.members = slices.Clone(nodes)
	b.ring = make([]uint32, 0, len(nodes)*b.replicas)
	b.nodes = make(map[uint32]naming.ServerNode, len(nodes)*b.replicas)
	for _, n := range nodes {
		addr := n.Addr.String()
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = n
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
