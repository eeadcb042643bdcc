package crawl

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/rpc"
)

func descFor(name string) node.Descriptor {
	return node.New(identifier.DigestString(name), "127.0.0.1", 8086)
}

func TestRunStopsOnExhaustion(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	seed := []node.Descriptor{descFor("a"), descFor("b"), descFor("c")}
	e := NewEngine(self, target, 20, 3, seed)

	var calls int64
	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		atomic.AddInt64(&calls, 1)
		return &rpc.Message{Method: rpc.MethodFindNode}, nil
	}
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		return false
	}

	Run(context.Background(), e, call, handle, nil, nil, "test")
	require.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRunStopsOnTerminalHandler(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	seed := []node.Descriptor{descFor("a"), descFor("b"), descFor("c")}
	e := NewEngine(self, target, 20, 1, seed)

	call := func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error) {
		return &rpc.Message{Method: rpc.MethodFindChunkLocation, HasValue: true}, nil
	}
	var terminated int64
	handle := func(peer node.Descriptor, resp *rpc.Message, err error) bool {
		atomic.AddInt64(&terminated, 1)
		return true
	}

	Run(context.Background(), e, call, handle, nil, nil, "test")
	require.Equal(t, int64(1), atomic.LoadInt64(&terminated))
}

func TestEngineOfferDedupsAndBoundsToKSize(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	e := NewEngine(self, target, 2, 3, nil)

	e.Offer(descFor("a"))
	e.Offer(descFor("a"))
	e.Offer(descFor("b"))
	e.Offer(descFor("c"))

	require.LessOrEqual(t, len(e.Nearest()), 2)
}

func TestEngineOfferRejectsSelf(t *testing.T) {
	self := identifier.DigestString("self")
	e := NewEngine(self, identifier.DigestString("target"), 20, 3, nil)
	e.Offer(node.New(self, "127.0.0.1", 8086))
	require.Empty(t, e.Nearest())
}

type fakeCaller struct {
	resp *rpc.Message
	err  error
}

func (f fakeCaller) Call(ctx context.Context, target node.Descriptor, req *rpc.Message) (*rpc.Message, error) {
	return f.resp, f.err
}

func TestNodeCrawlerCollectsNeighbors(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	seed := []node.Descriptor{descFor("a")}

	caller := fakeCaller{resp: &rpc.Message{
		Neighbors: []rpc.NeighborInfo{
			{ID: identifier.DigestString("b"), Host: "127.0.0.1", Port: 9000},
		},
	}}

	result := NodeCrawler(context.Background(), caller, self, target, seed, 20, 3, nil, nil)
	require.NotEmpty(t, result)
}

func TestValueCrawlerReturnsMajorityValue(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	seed := []node.Descriptor{descFor("a")}

	caller := fakeCaller{resp: &rpc.Message{HasValue: true, Value: []byte("payload")}}
	result := ValueCrawler(context.Background(), caller, self, target, rpc.KindChunk, seed, 20, 3, nil, nil)
	require.True(t, result.Found)
	require.Equal(t, []byte("payload"), result.Value)
}

func TestValueCrawlerReturnsNotFoundWhenNoValues(t *testing.T) {
	self := identifier.DigestString("self")
	target := identifier.DigestString("target")
	seed := []node.Descriptor{descFor("a")}

	caller := fakeCaller{resp: &rpc.Message{HasValue: false}}
	result := ValueCrawler(context.Background(), caller, self, target, rpc.KindMetadata, seed, 20, 3, nil, nil)
	require.False(t, result.Found)
}
