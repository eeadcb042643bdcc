package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestPutGetValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := identifier.DigestString("chunk-a")

	require.NoError(t, s.PutValue(key, []byte("payload"), KindChunk, "", time.Time{}))

	rec, found, err := s.GetValue(key, KindChunk, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), rec.Value)
	require.False(t, rec.Integrity)

	_, ok, err := s.GetPayload(key, KindChunk)
	require.NoError(t, err)
	require.False(t, ok, "payload must not be served before integrity is confirmed")
}

func TestConfirmIntegrityUnlocksPayload(t *testing.T) {
	s := newTestStore(t)
	key := identifier.DigestString("chunk-b")
	require.NoError(t, s.PutValue(key, []byte("payload"), KindChunk, "", time.Time{}))

	ok, err := s.ConfirmIntegrity(key, KindChunk)
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := s.GetPayload(key, KindChunk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), val)

	present, err := s.Contains(key, KindChunk)
	require.NoError(t, err)
	require.True(t, present)
}

func TestConfirmIntegrityMissingRecord(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.ConfirmIntegrity(identifier.DigestString("ghost"), KindChunk)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetValueTouchSetsRepublishFlag(t *testing.T) {
	s := newTestStore(t)
	key := identifier.DigestString("chunk-c")
	require.NoError(t, s.PutValue(key, []byte("x"), KindChunk, "", time.Time{}))

	_, _, err := s.GetValue(key, KindChunk, true)
	require.NoError(t, err)

	rec, found, err := s.GetValue(key, KindChunk, false)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.RepublishFlag)
}

func TestMetadataDeleteCascadesToChunks(t *testing.T) {
	s := newTestStore(t)

	chunkA := identifier.DigestString("cascade-chunk-a")
	chunkB := identifier.DigestString("cascade-chunk-b")
	require.NoError(t, s.PutValue(chunkA, []byte("a"), KindChunk, "", time.Time{}))
	require.NoError(t, s.PutValue(chunkB, []byte("b"), KindChunk, "", time.Time{}))
	_, err := s.ConfirmIntegrity(chunkA, KindChunk)
	require.NoError(t, err)
	_, err = s.ConfirmIntegrity(chunkB, KindChunk)
	require.NoError(t, err)

	chunkList, err := EncodeChunkList([]identifier.ID{chunkA, chunkB})
	require.NoError(t, err)

	metaKey := identifier.DigestString("cascade-meta")
	require.NoError(t, s.PutValue(metaKey, chunkList, KindMetadata, "file.txt", time.Time{}))
	_, err = s.ConfirmIntegrity(metaKey, KindMetadata)
	require.NoError(t, err)

	require.NoError(t, s.Delete(metaKey, KindMetadata))

	present, err := s.Contains(metaKey, KindMetadata)
	require.NoError(t, err)
	require.False(t, present)

	for _, id := range []identifier.ID{chunkA, chunkB} {
		present, err := s.Contains(id, KindChunk)
		require.NoError(t, err)
		require.False(t, present, "cascade delete must remove referenced chunks")
	}
}

func TestKeysListsAllKindsWithInferredKind(t *testing.T) {
	s := newTestStore(t)
	chunkKey := identifier.DigestString("keys-chunk")
	metaKey := identifier.DigestString("keys-meta")
	require.NoError(t, s.PutValue(chunkKey, []byte("v"), KindChunk, "", time.Time{}))
	require.NoError(t, s.PutValue(metaKey, []byte("[]"), KindMetadata, "n", time.Time{}))

	entries, err := s.Keys()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	kinds := map[identifier.ID]Kind{}
	for _, e := range entries {
		kinds[e.Key] = e.Kind
	}
	require.Equal(t, KindChunk, kinds[chunkKey])
	require.Equal(t, KindMetadata, kinds[metaKey])
}

func TestListIntegrityMetadataNamesOnlyIncludesConfirmed(t *testing.T) {
	s := newTestStore(t)
	confirmed := identifier.DigestString("meta-confirmed")
	unconfirmed := identifier.DigestString("meta-unconfirmed")
	require.NoError(t, s.PutValue(confirmed, []byte("[]"), KindMetadata, "confirmed.txt", time.Time{}))
	require.NoError(t, s.PutValue(unconfirmed, []byte("[]"), KindMetadata, "unconfirmed.txt", time.Time{}))
	_, err := s.ConfirmIntegrity(confirmed, KindMetadata)
	require.NoError(t, err)

	names, err := s.ListIntegrityMetadataNames()
	require.NoError(t, err)
	require.Contains(t, names, "confirmed.txt")
	require.NotContains(t, names, "unconfirmed.txt")
}

func TestIterateOlderThanSkipsUnconfirmedAndFresh(t *testing.T) {
	s := newTestStore(t)
	stale := identifier.DigestString("stale")
	fresh := identifier.DigestString("fresh")
	unconfirmed := identifier.DigestString("unconfirmed")

	require.NoError(t, s.PutValue(stale, []byte("v"), KindChunk, "", time.Time{}))
	require.NoError(t, s.PutValue(fresh, []byte("v"), KindChunk, "", time.Time{}))
	require.NoError(t, s.PutValue(unconfirmed, []byte("v"), KindChunk, "", time.Time{}))
	for _, id := range []identifier.ID{stale, fresh, unconfirmed} {
		if id == unconfirmed {
			continue
		}
		_, err := s.ConfirmIntegrity(id, KindChunk)
		require.NoError(t, err)
		// PutValue sets the republish flag; clear it so only last_touch
		// decides whether these two records are yielded.
		require.NoError(t, s.ClearRepublishFlag(id))
	}

	staleTf, found, err := s.readTimestampFile(stale)
	require.NoError(t, err)
	require.True(t, found)
	staleTf.Date = time.Now().Add(-time.Hour)
	require.NoError(t, s.writeTimestampFile(stale, staleTf))

	aged, err := s.IterateOlderThan(time.Minute)
	require.NoError(t, err)

	keys := map[identifier.ID]bool{}
	for _, a := range aged {
		keys[a.Key] = true
	}
	require.True(t, keys[stale])
	require.False(t, keys[fresh])
	require.False(t, keys[unconfirmed])
}

func TestSweepCorruptedRemovesOnlyAgedUnconfirmed(t *testing.T) {
	s := newTestStore(t)
	aged := identifier.DigestString("aged-corrupt")
	recent := identifier.DigestString("recent-corrupt")

	require.NoError(t, s.PutValue(aged, []byte("v"), KindChunk, "", time.Time{}))
	require.NoError(t, s.PutValue(recent, []byte("v"), KindChunk, "", time.Time{}))

	rf, found, err := s.readRecordFile(KindChunk, aged)
	require.NoError(t, err)
	require.True(t, found)
	rf.IntegrityDate = time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.writeRecordFile(KindChunk, aged, rf))

	swept, err := s.SweepCorrupted(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	present, err := s.Contains(aged, KindChunk)
	require.NoError(t, err)
	require.False(t, present)

	_, found, err = s.readRecordFile(KindChunk, recent)
	require.NoError(t, err)
	require.True(t, found, "recently-written unconfirmed record must survive the sweep")
}

func TestDeleteChunkDirectly(t *testing.T) {
	s := newTestStore(t)
	key := identifier.DigestString("direct-chunk")
	require.NoError(t, s.PutValue(key, []byte("v"), KindChunk, "", time.Time{}))
	require.NoError(t, s.Delete(key, KindChunk))

	present, err := s.Contains(key, KindChunk)
	require.NoError(t, err)
	require.False(t, present)
}
