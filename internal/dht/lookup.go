package dht

import (
	"context"
	"net"
	"sync"
)

// Lookup runs the iterative Kademlia find_node procedure: up to alpha
// queries in flight at once, converging on the K closest nodes that
// actually answered.
func (n *Node) Lookup(ctx context.Context, target NodeID) []NodeInfo {
	return n.iterate(ctx, target, func(addr *net.UDPAddr) ([]NodeInfo, []*net.UDPAddr, []byte) {
			nodes, err := n.findNode(ctx, addr, target)
			if err != nil {
				return nil, nil, nil
			}
			if nodes == nil {
				nodes = []NodeInfo{} // answered, but with no closer nodes
			}
			return nodes, nil, nil
	})
}

// GetPeers runs the iterative lookup using get_peers instead of find_node,
// returning the discovered peers. The per-peer tokens are not returned;
// they are cached on n for a later AnnouncePeer call.
func (n *Node) GetPeers(ctx context.Context, infoHash [20]byte) []*net.UDPAddr {
	var mu sync.Mutex
	var found []*net.UDPAddr

	n.iterate(ctx, NodeID(infoHash), func(addr *net.UDPAddr) ([]NodeInfo, []*net.UDPAddr, []byte) {
			res, err := n.getPeers(ctx, addr, infoHash)
			if err != nil {
				return nil, nil, nil
			}
			if len(res.Peers) > 0 {
				mu.Lock()
				found = append(found, res.Peers...)
				mu.Unlock()
			}
			if res.Nodes == nil {
				return []NodeInfo{}, res.Peers, res.Token // answered, but with no closer nodes
			}
			return res.Nodes, res.Peers, res.Token
	})

	if n.PeerStore != nil && len(found) > 0 {
		n.PeerStore(infoHash, found)
	}
	return found
}

type queryFunc func(addr *net.UDPAddr) (closer []NodeInfo, peers []*net.UDPAddr, token []byte)

// iterate implements the shared alpha-bounded iterative-deepening loop used
// by both Lookup and GetPeers.
func (n *Node) iterate(ctx context.Context, target NodeID, do queryFunc) []NodeInfo {
	type candidate struct {
		info NodeInfo
		queried bool
		answered bool
	}

	seen := make(map[NodeID]*candidate)
	var order []NodeID

	addCandidate := func(info NodeInfo) {
		if info.Addr == nil {
			return
		}
		if _, ok := seen[info.ID]; ok {
			return
		}
		seen[info.ID] = &candidate{info: info}
		order = append(order, info.ID)
	}

	for _, c := range n.Routing.Closest(target, bucketSize) {
		addCandidate(c)
	}

	for {
		// Keep the candidate order sorted by distance to target so the
		// next batch always picks the closest unqueried nodes.
		for i := 1; i < len(order); i++ {
			j := i
			for j > 0 && Less(Distance(order[j], target), Distance(order[j-1], target)) {
				order[j], order[j-1] = order[j-1], order[j]
				j--
			}
		}

		var batch []NodeID
		for _, id := range order {
			c := seen[id]
			if !c.queried {
				batch = append(batch, id)
				if len(batch) == alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		progressed := false

		for _, id := range batch {
			c := seen[id]
			c.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				closer, _, _ := do(c.info.Addr)
				mu.Lock()
				defer mu.Unlock()
				if closer != nil {
					c.answered = true
					n.Routing.Insert(c.info)
					progressed = true
				}
				for _, nn := range closer {
					addCandidate(nn)
				}
			}(c)
		}
		wg.Wait()

		if ctx.Err() != nil || !progressed {
			break
		}
	}

	var result []NodeInfo
	for _, id := range order {
		if seen[id].answered {
			result = append(result, seen[id].info)
		}
	}
	sortByDistance(result, target)
	if len(result) > bucketSize {
		result = result[:bucketSize]
	}
	return result
}
