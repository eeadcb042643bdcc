package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

func descFor(name string, port int) node.Descriptor {
	return node.New(identifier.DigestString(name), "127.0.0.1", port)
}

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, time.Hour, cfg.RefreshSleep)
	require.Equal(t, 2, cfg.KSize)
	require.Equal(t, 3, cfg.Alpha)
	require.Equal(t, 20*time.Second, cfg.LonelyThreshold)
	require.Equal(t, 4*time.Hour, cfg.CorruptionTTL)
	require.Equal(t, 15*time.Second, cfg.SolitudeCheck)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{RefreshSleep: 5 * time.Minute, KSize: 8, Alpha: 2, LonelyThreshold: time.Second, CorruptionTTL: time.Minute, SolitudeCheck: time.Second}.withDefaults()
	require.Equal(t, 5*time.Minute, cfg.RefreshSleep)
	require.Equal(t, 8, cfg.KSize)
	require.Equal(t, time.Minute, cfg.CorruptionTTL)
}

func TestDecideRepairUnderReplicatedNeedsRepair(t *testing.T) {
	key := identifier.DigestString("key")
	self := identifier.DigestString("self")
	holders := []node.Descriptor{descFor("a", 1), descFor("b", 2)}

	needsRepair, toPrune := decideRepair(self, key, holders, 20)
	require.True(t, needsRepair)
	require.Empty(t, toPrune)
}

func TestDecideRepairExactlyReplicatedIsNoOp(t *testing.T) {
	key := identifier.DigestString("key")
	self := identifier.DigestString("self")
	holders := []node.Descriptor{descFor("a", 1), descFor("b", 2)}

	needsRepair, toPrune := decideRepair(self, key, holders, 2)
	require.False(t, needsRepair)
	require.Empty(t, toPrune)
}

func TestDecideRepairOverReplicatedPrunesWhenSelfClosest(t *testing.T) {
	var key, self identifier.ID // self == key: distance 0, the closest possible

	holders := make([]node.Descriptor, 0, 5)
	for i := 0; i < 5; i++ {
		var id identifier.ID
		id[0] = byte(i + 1) // distances 1..5, each strictly farther than self
		holders = append(holders, node.New(id, "127.0.0.1", 9000+i))
	}

	needsRepair, toPrune := decideRepair(self, key, holders, 3)
	require.False(t, needsRepair)
	require.Len(t, toPrune, 2)

	// prune order is farthest-first.
	require.Equal(t, byte(5), toPrune[0].ID[0])
	require.Equal(t, byte(4), toPrune[1].ID[0])
}

func TestDecideRepairOverReplicatedSkipsPruneWhenSelfNotClosest(t *testing.T) {
	var key identifier.ID // all-zero key

	var nearID, selfID identifier.ID
	nearID[0] = 0x01 // distance 1 from key: strictly closest possible
	selfID[0] = 0xff // distance 255: far from key

	holders := []node.Descriptor{
		node.New(nearID, "127.0.0.1", 9001),
		descFor("b", 9002),
		descFor("c", 9003),
		descFor("d", 9004),
		descFor("e", 9005),
	}

	needsRepair, toPrune := decideRepair(selfID, key, holders, 3)
	require.False(t, needsRepair)
	require.Empty(t, toPrune)
}

func TestCensusBloomKeyIncludesKeyAndPeerAddr(t *testing.T) {
	key := identifier.DigestString("key")
	peer := descFor("peer", 8086)
	k := censusBloomKey(key, peer)
	require.Contains(t, k, key.String())
	require.Contains(t, k, peer.Addr())
}

func TestRPCKindOfMapsStoreKinds(t *testing.T) {
	require.Equal(t, rpc.KindMetadata, rpcKindOf(store.KindMetadata))
	require.Equal(t, rpc.KindChunk, rpcKindOf(store.KindChunk))
}
