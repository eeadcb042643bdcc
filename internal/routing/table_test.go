package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
)

func descFor(id identifier.ID) node.Descriptor {
	return node.New(id, "127.0.0.1", 8086)
}

func TestAddNodeFillsBucketUpToKSize(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 2)

	a := descFor(identifier.DigestString("peer-a"))
	b := descFor(identifier.DigestString("peer-b"))

	require.True(t, tbl.AddNode(a, nil))
	require.True(t, tbl.AddNode(b, nil))
	require.Equal(t, 2, tbl.Size())
}

func TestAddNodeRejectsOwnID(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)
	require.False(t, tbl.AddNode(descFor(owner), nil))
	require.Equal(t, 0, tbl.Size())
}

func TestAddNodeMovesExistingToTail(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)
	a := descFor(identifier.DigestString("peer-a"))

	require.True(t, tbl.AddNode(a, nil))
	require.True(t, tbl.AddNode(a, nil))
	require.Equal(t, 1, tbl.Size())
}

func TestSplitOccursWhenBucketContainsOwner(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 1)

	a := descFor(identifier.DigestString("peer-a"))
	require.True(t, tbl.AddNode(a, nil))

	b := descFor(identifier.DigestString("peer-b"))
	// The root bucket always contains owner, so it must split rather than
	// reject b into the replacement list only.
	ok := tbl.AddNode(b, nil)
	require.True(t, ok)
	require.Equal(t, 2, tbl.Size())
	require.GreaterOrEqual(t, tbl.BucketCount(), 2)
}

func TestFindNeighborsOrdersByDistanceAndExcludesTarget(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)

	target := identifier.DigestString("target")
	var ids []identifier.ID
	for i := 0; i < 10; i++ {
		id := identifier.DigestString("peer-" + string(rune('a'+i)))
		ids = append(ids, id)
		require.True(t, tbl.AddNode(descFor(id), nil))
	}
	// target itself should never be returned even if it happens to be a
	// known node id.
	require.True(t, tbl.AddNode(descFor(target), nil))

	neighbors := tbl.FindNeighbors(target, 5, nil)
	require.Len(t, neighbors, 5)
	for _, n := range neighbors {
		require.NotEqual(t, target, n.ID)
	}
	for i := 1; i < len(neighbors); i++ {
		require.True(t, identifier.Less(target, neighbors[i-1].ID, neighbors[i].ID) ||
			identifier.Distance(target, neighbors[i-1].ID).Cmp(identifier.Distance(target, neighbors[i].ID)) == 0)
	}
}

func TestFindNeighborsExcludesSameHome(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)
	target := identifier.DigestString("target")

	excluded := node.New(identifier.DigestString("peer-excluded"), "10.0.0.5", 9000)
	require.True(t, tbl.AddNode(excluded, nil))

	sameHost := node.New(identifier.DigestString("peer-same-host"), "10.0.0.5", 9001)
	require.True(t, tbl.AddNode(sameHost, nil))

	neighbors := tbl.FindNeighbors(target, 20, &excluded)
	for _, n := range neighbors {
		require.False(t, n.SameHomeAs(excluded))
	}
}

func TestLonelyBucketsReportsStaleBucket(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)
	// The single root bucket starts fresh, so with a zero threshold it is
	// immediately lonely.
	targets := tbl.LonelyBuckets(0)
	require.Len(t, targets, 1)

	fresh := tbl.LonelyBuckets(time.Hour)
	require.Empty(t, fresh)
}

func TestRemoveEvictsNode(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)
	a := identifier.DigestString("peer-a")
	require.True(t, tbl.AddNode(descFor(a), nil))

	tbl.Remove(a)
	require.Equal(t, 0, tbl.Size())
}

func TestBucketPingedAliveHeadIsKept(t *testing.T) {
	owner := identifier.DigestString("owner")
	tbl := New(owner, 20)

	// Reaching a full bucket that is ineligible to split through AddNode
	// would take many distinct ids, so this drives the bucket-level steps
	// insert performs on overflow directly: the head of a full bucket is
	// pinged, and a head reported alive is kept (moved to the tail), not
	// evicted.
	b := newKBucket(1)
	held := descFor(identifier.DigestString("held"))
	b.nodes = append(b.nodes, held)

	pinged := false
	ping := func(n node.Descriptor) bool {
		pinged = true
		require.Equal(t, held.ID, n.ID)
		return true
	}
	head, ok := b.head()
	require.True(t, ok)
	if ping(head) {
		b.touchHeadAlive()
	}
	require.True(t, pinged)
	require.Equal(t, held.ID, b.nodes[len(b.nodes)-1].ID)
}
