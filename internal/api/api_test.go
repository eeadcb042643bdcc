package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/store"
)

func newTestHandlers(t *testing.T) (Handlers, node.Descriptor) {
	t.Helper()
	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	self := node.New(identifier.DigestString("self"), "127.0.0.1", 8086)
	table := routing.New(self.ID, routing.DefaultKSize)

	n := &Node{
		self:   self,
		store:  st,
		table:  table,
		cfg:    Config{}.withDefaults(),
		logger: zap.NewNop(),
	}
	return NewHandlers(n), self
}

func TestPingWithNoRemoteIDAlwaysMatches(t *testing.T) {
	h, self := newTestHandlers(t)
	id, matched := h.Ping(context.Background(), node.Descriptor{}, nil)
	require.True(t, matched)
	require.Equal(t, self.ID, id)
}

func TestPingWithMatchingRemoteID(t *testing.T) {
	h, self := newTestHandlers(t)
	remote := self.ID
	id, matched := h.Ping(context.Background(), node.Descriptor{}, &remote)
	require.True(t, matched)
	require.Equal(t, self.ID, id)
}

func TestPingWithMismatchedRemoteIDReturnsNothing(t *testing.T) {
	h, _ := newTestHandlers(t)
	other := identifier.DigestString("somebody-else")
	id, matched := h.Ping(context.Background(), node.Descriptor{}, &other)
	require.False(t, matched)
	require.True(t, id.IsZero())
}

func TestStoreWritesLocallyWithIntegrityFalse(t *testing.T) {
	h, _ := newTestHandlers(t)
	key := identifier.DigestString("chunk-1")

	err := h.Store(context.Background(), node.Descriptor{}, &rpc.Message{
		TargetID: key, Value: []byte("payload"), Kind: rpc.KindChunk, LastWrite: time.Now(),
	})
	require.NoError(t, err)

	ok, err := h.store.Contains(key, store.KindChunk)
	require.NoError(t, err)
	require.False(t, ok, "freshly stored record has integrity=false")

	_, found, err := h.store.GetValue(key, store.KindChunk, false)
	require.NoError(t, err)
	require.True(t, found)
}

func TestContainsReflectsIntegrityState(t *testing.T) {
	h, _ := newTestHandlers(t)
	key := identifier.DigestString("chunk-2")

	require.False(t, h.Contains(context.Background(), node.Descriptor{}, key, rpc.KindChunk))

	require.NoError(t, h.store.PutValue(key, []byte("x"), store.KindChunk, "", time.Now()))
	require.False(t, h.Contains(context.Background(), node.Descriptor{}, key, rpc.KindChunk))

	_, err := h.store.ConfirmIntegrity(key, store.KindChunk)
	require.NoError(t, err)
	require.True(t, h.Contains(context.Background(), node.Descriptor{}, key, rpc.KindChunk))
}

func TestFindChunkLocationReportsSelfWhenHeld(t *testing.T) {
	h, self := newTestHandlers(t)
	key := identifier.DigestString("chunk-3")
	require.NoError(t, h.store.PutValue(key, []byte("x"), store.KindChunk, "", time.Now()))
	_, err := h.store.ConfirmIntegrity(key, store.KindChunk)
	require.NoError(t, err)

	host, port, found, neighbors := h.FindChunkLocation(context.Background(), node.Descriptor{}, key)
	require.True(t, found)
	require.Equal(t, self.Host, host)
	require.Equal(t, self.Port, port)
	require.Empty(t, neighbors)
}

func TestFindChunkLocationFallsBackToNeighborsWhenAbsent(t *testing.T) {
	h, _ := newTestHandlers(t)
	_, _, found, _ := h.FindChunkLocation(context.Background(), node.Descriptor{}, identifier.DigestString("missing"))
	require.False(t, found)
}

func TestGetChunkValueIgnoresIntegrityGate(t *testing.T) {
	h, _ := newTestHandlers(t)
	key := identifier.DigestString("chunk-4")
	require.NoError(t, h.store.PutValue(key, []byte("raw"), store.KindChunk, "", time.Now()))

	value, found := h.GetChunkValue(context.Background(), node.Descriptor{}, key)
	require.True(t, found)
	require.Equal(t, []byte("raw"), value)
}

func TestDeleteHandlerIsLocalOnly(t *testing.T) {
	h, _ := newTestHandlers(t)
	key := identifier.DigestString("chunk-5")
	require.NoError(t, h.store.PutValue(key, []byte("x"), store.KindChunk, "", time.Now()))

	require.True(t, h.Delete(context.Background(), node.Descriptor{}, key, rpc.KindChunk))
	_, found, err := h.store.GetValue(key, store.KindChunk, false)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetMetadataListReturnsOnlyIntegrityConfirmedNames(t *testing.T) {
	h, _ := newTestHandlers(t)
	key := identifier.DigestString("file.txt")
	require.NoError(t, h.store.PutValue(key, []byte("chunklist"), store.KindMetadata, "file.txt", time.Now()))

	require.Empty(t, h.GetMetadataList(context.Background(), node.Descriptor{}))

	_, err := h.store.ConfirmIntegrity(key, store.KindMetadata)
	require.NoError(t, err)
	require.Equal(t, []string{"file.txt"}, h.GetMetadataList(context.Background(), node.Descriptor{}))
}
