// Package routing implements the Routing Table (spec.md §4.4): a binary
// trie of K-buckets over the 160-bit id space, grounded on the teacher's
// flat 160-bucket DHT (kernel/core/mesh/routing/dht.go) but generalized
// into a real splitting trie per invariant I4.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
)

// DefaultKSize is the replication/bucket-width parameter k (spec.md §9:
// "ksize | replication factor and bucket size (default 2)").
const DefaultKSize = 2

// DefaultLonelyThreshold is how long a bucket may go untouched before it
// becomes a refresh target (spec.md §4.4).
const DefaultLonelyThreshold = 20 * time.Second

// splitDepthModulus: a full bucket only splits if its depth isn't a
// multiple of this, or if it owns the table owner's id (spec.md §4.4).
const splitDepthModulus = 5

// Table is the routing table owned by a single node.
type Table struct {
	mu    sync.Mutex
	owner identifier.ID
	ksize int
	root  *trieNode
}

// New builds an empty table, starting as a single bucket spanning the
// whole id space (spec.md §4.4).
func New(owner identifier.ID, ksize int) *Table {
	if ksize <= 0 {
		ksize = DefaultKSize
	}
	return &Table{owner: owner, ksize: ksize, root: newRootTrieNode(ksize)}
}

func (t *Table) shouldSplit(leaf *trieNode) bool {
	return leaf.contains(t.owner) || leaf.depth%splitDepthModulus != 0
}

// AddNode attempts to insert n, following the K-bucket contract and split
// policy (spec.md §4.4). If the owning bucket is full and ineligible to
// split, ping is invoked (when non-nil) against the bucket's head; a
// failed ping evicts the head and promotes a replacement, after which n is
// retried. AddNode returns true iff n ended up in a bucket's primary set.
func (t *Table) AddNode(n node.Descriptor, ping func(node.Descriptor) bool) bool {
	if n.ID == t.owner {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(n, ping)
}

func (t *Table) insert(n node.Descriptor, ping func(node.Descriptor) bool) bool {
	leaf := t.root.leafFor(n.ID)
	if leaf.bucket.addNode(n) {
		return true
	}

	if t.shouldSplit(leaf) {
		leaf.split(t.ksize)
		return t.insert(n, ping)
	}

	if ping != nil {
		if head, ok := leaf.bucket.head(); ok {
			if ping(head) {
				leaf.bucket.touchHeadAlive()
			} else {
				leaf.bucket.replaceHead()
				if leaf.bucket.addNode(n) {
					return true
				}
			}
		}
	}

	leaf.bucket.addReplacement(n)
	return false
}

// FindNeighbors returns up to k nodes closest to target by XOR distance,
// excluding target itself and any node whose SameHomeAs(exclude) holds
// (spec.md §4.4). Traversal starts at the bucket containing target — the
// only bucket whose last-updated time is touched — then walks outward,
// popping from the left and right sibling buckets alternately, until k
// candidates are collected or the trie is exhausted.
func (t *Table) FindNeighbors(target identifier.ID, k int, exclude *node.Descriptor) []node.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaves := t.root.leaves()
	idx := 0
	for i, leaf := range leaves {
		if leaf.contains(target) {
			idx = i
			break
		}
	}
	leaves[idx].bucket.touch()

	var collected []node.Descriptor
	seen := make(map[identifier.ID]bool)

	addFrom := func(leaf *trieNode) (full bool) {
		for _, n := range leaf.bucket.nodes {
			if n.ID == target || seen[n.ID] {
				continue
			}
			if exclude != nil && n.SameHomeAs(*exclude) {
				continue
			}
			seen[n.ID] = true
			collected = append(collected, n)
			if len(collected) == k {
				return true
			}
		}
		return false
	}

	if !addFrom(leaves[idx]) {
		for li, ri := idx-1, idx+1; li >= 0 || ri < len(leaves); {
			if li >= 0 {
				if addFrom(leaves[li]) {
					break
				}
				li--
			}
			if ri < len(leaves) {
				if addFrom(leaves[ri]) {
					break
				}
				ri++
			}
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		return identifier.Less(target, collected[i].ID, collected[j].ID)
	})
	if len(collected) > k {
		collected = collected[:k]
	}
	return collected
}

// LonelyBuckets returns a refresh-probe id (a random id in-range) for each
// bucket whose last-updated time is older than threshold (spec.md §4.4).
func (t *Table) LonelyBuckets(threshold time.Duration) []identifier.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []identifier.ID
	for _, leaf := range t.root.leaves() {
		if leaf.isLonely(threshold) {
			targets = append(targets, leaf.randomID())
		}
	}
	return targets
}

// Known reports whether id is currently held in a primary bucket set
// (used by welcome_if_new to distinguish a first contact from a
// recency-refresh — spec.md §4.7).
func (t *Table) Known(id identifier.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.root.leafFor(id)
	return indexOf(leaf.bucket.nodes, node.Descriptor{ID: id}) >= 0
}

// Remove evicts id from its bucket, promoting a replacement if one exists.
func (t *Table) Remove(id identifier.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.root.leafFor(id)
	leaf.bucket.remove(node.Descriptor{ID: id})
}

// AllNodes returns every node currently held in a primary bucket set,
// across the whole table, for census/metrics use.
func (t *Table) AllNodes() []node.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []node.Descriptor
	for _, leaf := range t.root.leaves() {
		out = append(out, leaf.bucket.nodes...)
	}
	return out
}

// Size returns the total number of nodes held across all buckets.
func (t *Table) Size() int {
	return len(t.AllNodes())
}

// BucketCount returns the number of leaf buckets currently in the trie,
// exposed for metrics (SPEC_FULL.md §4.4).
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.root.leaves())
}
