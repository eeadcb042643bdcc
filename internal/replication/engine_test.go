package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
)

func TestShouldWriteNoLocalRecord(t *testing.T) {
	require.True(t, shouldWrite(nil, true, time.Now()))
}

func TestShouldWriteRemoteAbsent(t *testing.T) {
	local := time.Now()
	require.True(t, shouldWrite(&local, false, time.Time{}))
}

func TestShouldWriteRemoteStale(t *testing.T) {
	local := time.Now()
	remote := local.Add(-time.Hour)
	require.True(t, shouldWrite(&local, true, remote))
}

func TestShouldWriteRemoteFresh(t *testing.T) {
	local := time.Now()
	remote := local.Add(time.Hour)
	require.False(t, shouldWrite(&local, true, remote))
}

func TestSelfAmongClosestWhenRoomRemains(t *testing.T) {
	self := identifier.DigestString("self")
	key := identifier.DigestString("key")
	require.True(t, selfAmongClosest(nil, self, key, 20))
}

func TestChunkBytesSplitsWithShortLastChunk(t *testing.T) {
	data := make([]byte, 1050)
	chunks := chunkBytes(data, 500)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 500)
	require.Len(t, chunks[2], 50)
}

func TestChunkBytesEmptyInputYieldsOneEmptyChunk(t *testing.T) {
	chunks := chunkBytes(nil, 500)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}
