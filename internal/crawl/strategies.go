package crawl

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/rpc"
)

// Caller is the subset of *rpc.Client a crawler strategy needs.
type Caller interface {
	Call(ctx context.Context, target node.Descriptor, req *rpc.Message) (*rpc.Message, error)
}

func toDescriptor(n rpc.NeighborInfo) node.Descriptor {
	return node.New(n.ID, n.Host, n.Port)
}

// NodeCrawler runs find_node to exhaustion and returns the final nearest
// set (spec.md §4.6 "NodeCrawler").
func NodeCrawler(ctx context.Context, c Caller, self, target identifier.ID, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) []node.Descriptor {
	e := NewEngine(self, target, ksize, alpha, seed)

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodFindNode, TargetID: target})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err != nil || resp == nil {
			return false
		}
		for _, n := range resp.Neighbors {
			e.Offer(toDescriptor(n))
		}
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "node")
	return e.Nearest()
}

// ValueResult is what ValueCrawler returns: the majority value found (if
// any), and the closest peer observed without it for read-repair.
type ValueResult struct {
	Value      []byte
	Found      bool
	RepairPeer node.Descriptor
	HasRepair  bool
}

// ValueCrawler runs find_value to exhaustion, then returns the most common
// value across responding peers, recording the nearest value-less peer as
// an opportunistic read-repair target (spec.md §4.6 "ValueCrawler").
func ValueCrawler(ctx context.Context, c Caller, self, target identifier.ID, kind rpc.Kind, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) ValueResult {
	e := NewEngine(self, target, ksize, alpha, seed)

	var mu sync.Mutex
	counts := make(map[string]int)
	values := make(map[string][]byte)
	var repairPeer node.Descriptor
	hasRepair := false

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodFindValue, TargetID: target, Kind: kind})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err != nil || resp == nil {
			return false
		}
		if resp.HasValue {
			mu.Lock()
			key := string(resp.Value)
			counts[key]++
			values[key] = resp.Value
			mu.Unlock()
			return false
		}
		for _, n := range resp.Neighbors {
			e.Offer(toDescriptor(n))
		}
		mu.Lock()
		if !hasRepair || identifier.Less(target, peer.ID, repairPeer.ID) {
			repairPeer = peer
			hasRepair = true
		}
		mu.Unlock()
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "value")

	mu.Lock()
	defer mu.Unlock()
	if len(counts) == 0 {
		return ValueResult{}
	}

	var best string
	bestCount := -1
	for k, n := range counts {
		if n > bestCount {
			best, bestCount = k, n
		}
	}
	return ValueResult{Value: values[best], Found: true, RepairPeer: repairPeer, HasRepair: hasRepair}
}

// ChunkLocationCrawler runs find_chunk_location, terminating as soon as
// any peer reports a non-empty location set, or on exhaustion (spec.md
// §4.6 "ChunkLocationCrawler").
func ChunkLocationCrawler(ctx context.Context, c Caller, self, target identifier.ID, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) []node.Descriptor {
	e := NewEngine(self, target, ksize, alpha, seed)

	var mu sync.Mutex
	var locations []node.Descriptor

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodFindChunkLocation, TargetID: target})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err != nil || resp == nil {
			return false
		}
		if resp.HasValue {
			mu.Lock()
			locations = append(locations, node.New(identifier.ID{}, resp.Host, resp.Port))
			mu.Unlock()
			return true
		}
		for _, n := range resp.Neighbors {
			e.Offer(toDescriptor(n))
		}
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "chunk_location")

	mu.Lock()
	defer mu.Unlock()
	return locations
}

// DeleteCrawler issues delete against every peer in the seeded nearest
// set, to exhaustion, and reports how many acknowledged success (spec.md
// §4.6 "DeleteCrawler").
func DeleteCrawler(ctx context.Context, c Caller, self, target identifier.ID, kind rpc.Kind, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) int {
	e := NewEngine(self, target, ksize, alpha, seed)

	var mu sync.Mutex
	successes := 0

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodDelete, TargetID: target, Kind: kind})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err == nil && resp != nil && resp.OK {
			mu.Lock()
			successes++
			mu.Unlock()
		}
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "delete")
	return successes
}

// ConfirmIntegrityCrawler issues confirm_integrity against every peer in
// the seeded nearest set, to exhaustion, reporting success count (spec.md
// §4.6 "ConfirmIntegrityCrawler").
func ConfirmIntegrityCrawler(ctx context.Context, c Caller, self, target identifier.ID, kind rpc.Kind, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) int {
	e := NewEngine(self, target, ksize, alpha, seed)

	var mu sync.Mutex
	successes := 0

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodConfirmIntegrity, TargetID: target, Kind: kind})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err == nil && resp != nil && resp.OK {
			mu.Lock()
			successes++
			mu.Unlock()
		}
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "confirm_integrity")
	return successes
}

// LsCrawler issues get_metadata_list against every peer in the seeded
// nearest set, to exhaustion, and returns the union of reported names
// (spec.md §4.6 "LsCrawler").
func LsCrawler(ctx context.Context, c Caller, self, target identifier.ID, seed []node.Descriptor, ksize, alpha int, limiter *rate.Limiter, m *metrics.Registry) []string {
	e := NewEngine(self, target, ksize, alpha, seed)

	var mu sync.Mutex
	seen := make(map[string]bool)
	var names []string

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return c.Call(ctx, peer, &rpc.Message{Method: rpc.MethodGetMetadataList})
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		if err != nil || resp == nil {
			return false
		}
		mu.Lock()
		for _, name := range resp.Names {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		mu.Unlock()
		return false
	}

	Run(ctx, e, call, handle, limiter, m, "ls")
	return names
}
