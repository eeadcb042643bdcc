package routing

import (
	"math/big"
	"time"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
)

// idSpaceBits is the width of the identifier space (spec.md §3, §4.4).
const idSpaceBits = identifier.Size * 8

// trieNode is one node of the binary trie over the id space: either a leaf
// holding a kbucket, or an internal split point with two children covering
// the low and high halves of its range (spec.md §4.4).
type trieNode struct {
	lo, hi *big.Int // inclusive range bounds
	depth  int      // shared-prefix depth of this range

	bucket      *kbucket // non-nil iff this is a leaf
	left, right *trieNode
}

func fullRange() (*big.Int, *big.Int) {
	lo := big.NewInt(0)
	hi := new(big.Int).Lsh(big.NewInt(1), idSpaceBits)
	hi.Sub(hi, big.NewInt(1))
	return lo, hi
}

func newRootTrieNode(ksize int) *trieNode {
	lo, hi := fullRange()
	return &trieNode{lo: lo, hi: hi, depth: 0, bucket: newKBucket(ksize)}
}

func (t *trieNode) isLeaf() bool {
	return t.bucket != nil
}

// mid returns the inclusive upper bound of the low half of the range,
// valid only for ranges whose size is a power of two (always true here).
func (t *trieNode) mid() *big.Int {
	size := new(big.Int).Sub(t.hi, t.lo)
	size.Add(size, big.NewInt(1))
	half := new(big.Int).Rsh(size, 1)
	mid := new(big.Int).Add(t.lo, half)
	return mid.Sub(mid, big.NewInt(1))
}

func (t *trieNode) contains(id identifier.ID) bool {
	v := id.Int()
	return v.Cmp(t.lo) >= 0 && v.Cmp(t.hi) <= 0
}

// leafFor walks down to the leaf whose range contains id.
func (t *trieNode) leafFor(id identifier.ID) *trieNode {
	cur := t
	for !cur.isLeaf() {
		if cur.left.contains(id) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return cur
}

// split replaces a leaf with two children covering its low and high
// halves, redistributing its nodes and replacement list (spec.md §4.4).
func (t *trieNode) split(ksize int) {
	old := t.bucket
	mid := t.mid()

	t.left = &trieNode{lo: t.lo, hi: mid, depth: t.depth + 1, bucket: newKBucket(ksize)}
	t.right = &trieNode{lo: new(big.Int).Add(mid, big.NewInt(1)), hi: t.hi, depth: t.depth + 1, bucket: newKBucket(ksize)}
	t.bucket = nil

	redistribute := func(n node.Descriptor) {
		if t.left.contains(n.ID) {
			t.left.bucket.nodes = append(t.left.bucket.nodes, n)
		} else {
			t.right.bucket.nodes = append(t.right.bucket.nodes, n)
		}
	}
	for _, n := range old.nodes {
		redistribute(n)
	}
	for _, n := range old.replacements {
		if t.left.contains(n.ID) {
			t.left.bucket.addReplacement(n)
		} else {
			t.right.bucket.addReplacement(n)
		}
	}
	t.left.bucket.lastUpdated = old.lastUpdated
	t.right.bucket.lastUpdated = old.lastUpdated
}

// leaves returns every leaf in left-to-right (ascending range) order, which
// is also ascending id order since ranges partition the space in order.
func (t *trieNode) leaves() []*trieNode {
	if t.isLeaf() {
		return []*trieNode{t}
	}
	out := t.left.leaves()
	return append(out, t.right.leaves()...)
}

// randomID returns a uniformly random id within this node's range, used to
// pick a refresh probe target for a lonely bucket (spec.md §4.4).
func (t *trieNode) randomID() identifier.ID {
	size := new(big.Int).Sub(t.hi, t.lo)
	size.Add(size, big.NewInt(1))

	r, err := randBigInt(size)
	if err != nil {
		r = big.NewInt(0)
	}
	v := new(big.Int).Add(t.lo, r)

	var id identifier.ID
	b := v.Bytes()
	copy(id[identifier.Size-len(b):], b)
	return id
}

func (t *trieNode) isLonely(threshold time.Duration) bool {
	return t.isLeaf() && time.Since(t.bucket.lastUpdated) > threshold
}
