package loadbalance

import (
	"math/rand/v2"
	"strconv"

	"ipc-rpc/naming"
)

// WeightedRandomBalancer picks a server with probability proportional to its
// weight. The weight is the node tag read as a positive integer; any other tag
// counts as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []naming.ServerNode, _ string) (naming.ServerNode, error) {
	if len(nodes) == 0 {
		return naming.ServerNode{}, ErrNoServers
	}

	total := 0
	for _, n := range nodes {
		total += Weight(n)
	}

	r := rand.IntN(total)
	for _, n := range nodes {
		r -= Weight(n)
		if r < 0 {
			return n, nil
		}
	}
	return nodes[len(nodes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

// Weight returns the weight carried in the tag of n.
func Weight(n naming.ServerNode) int {
	w, err := strconv.Atoi(n.Tag)
	if err != nil || w <= 0 {
		return 1
	}
	return w
}
