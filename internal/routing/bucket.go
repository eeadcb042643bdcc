package routing

import (
	"time"

	"github.com/kadefs/kadefs/internal/node"
)

// replacementFactor bounds a bucket's replacement list at 5*ksize entries
// (spec.md §4.4).
const replacementFactor = 5

// kbucket holds up to ksize nodes, insertion-ordered by recency (most
// recent last), plus a bounded replacement list for overflow candidates
// (spec.md §4.4).
type kbucket struct {
	ksize        int
	nodes        []node.Descriptor
	replacements []node.Descriptor
	lastUpdated  time.Time
}

func newKBucket(ksize int) *kbucket {
	return &kbucket{ksize: ksize, lastUpdated: time.Now()}
}

func indexOf(nodes []node.Descriptor, id node.Descriptor) int {
	for i, n := range nodes {
		if n.ID == id.ID {
			return i
		}
	}
	return -1
}

// touch marks this bucket as freshly visited.
func (b *kbucket) touch() {
	b.lastUpdated = time.Now()
}

// addNode attempts to insert n per the K-bucket contract (spec.md §4.4):
// already-present nodes are moved to the tail (most recently seen); a new
// node fits if the bucket has room; otherwise it returns false and the
// candidate is left for the caller to decide on (ping-and-replace or
// split).
func (b *kbucket) addNode(n node.Descriptor) bool {
	if i := indexOf(b.nodes, n); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append(b.nodes, n)
		b.touch()
		return true
	}
	if len(b.nodes) < b.ksize {
		b.nodes = append(b.nodes, n)
		b.touch()
		return true
	}
	return false
}

// head returns the least-recently-seen node, the ping candidate when the
// bucket is full (spec.md §4.4).
func (b *kbucket) head() (node.Descriptor, bool) {
	if len(b.nodes) == 0 {
		return node.Descriptor{}, false
	}
	return b.nodes[0], true
}

// replaceHead evicts the head (found dead) and promotes the most recent
// replacement, if any.
func (b *kbucket) replaceHead() {
	if len(b.nodes) > 0 {
		b.nodes = b.nodes[1:]
	}
	if len(b.replacements) > 0 {
		promoted := b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
		b.nodes = append(b.nodes, promoted)
	}
}

// touchHeadAlive moves a confirmed-alive head to the tail, keeping the
// bucket full with live nodes (spec.md §4.4).
func (b *kbucket) touchHeadAlive() {
	if len(b.nodes) == 0 {
		return
	}
	head := b.nodes[0]
	b.nodes = append(b.nodes[1:], head)
}

// addReplacement pushes n onto the bounded replacement list, evicting the
// oldest entry if the list is already at capacity (spec.md §4.4).
func (b *kbucket) addReplacement(n node.Descriptor) {
	if i := indexOf(b.replacements, n); i >= 0 {
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
	}
	cap := replacementFactor * b.ksize
	b.replacements = append(b.replacements, n)
	if len(b.replacements) > cap {
		b.replacements = b.replacements[len(b.replacements)-cap:]
	}
}

// remove drops id from the node set, promoting a replacement in its place.
func (b *kbucket) remove(id node.Descriptor) {
	if i := indexOf(b.nodes, id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		if len(b.replacements) > 0 {
			promoted := b.replacements[len(b.replacements)-1]
			b.replacements = b.replacements[:len(b.replacements)-1]
			b.nodes = append(b.nodes, promoted)
		}
	}
}
