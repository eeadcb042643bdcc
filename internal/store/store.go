// Package store implements the Local Store (spec.md §4.3): a
// content-addressed persistence layer mapping an id to a Record, laid out
// as four sibling directories on disk (spec.md §6).
package store

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/francoispqt/gojay"
	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/dfserr"
	"github.com/kadefs/kadefs/internal/identifier"
)

const (
	valuesDir     = "values"
	metadataDir   = "metadata"
	keysDir       = "keys"
	timestampsDir = "timestamps"
)

// Store is the process-wide Local Store singleton, modeled as an explicit
// context object rather than package-level state (spec.md §9).
type Store struct {
	baseDir string
	logger  *zap.Logger

	// mu serialises the read-modify-write of the keys/ index; record
	// contents themselves are protected by per-file flocks (lock.go).
	mu sync.Mutex
}

// Open creates (if needed) the four sibling directories under baseDir and
// returns a Store rooted there.
func Open(baseDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range []string{valuesDir, metadataDir, keysDir, timestampsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0o755); err != nil {
			return nil, dfserr.Fatal("local store directory not writable", err).WithContext("dir", d)
		}
	}
	return &Store{baseDir: baseDir, logger: logger}, nil
}

func filename(key identifier.ID) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}

func (s *Store) recordDirFor(kind Kind) string {
	if kind == KindMetadata {
		return filepath.Join(s.baseDir, metadataDir)
	}
	return filepath.Join(s.baseDir, valuesDir)
}

func (s *Store) recordPath(kind Kind, key identifier.ID) string {
	return filepath.Join(s.recordDirFor(kind), filename(key))
}

func (s *Store) timestampPath(key identifier.ID) string {
	return filepath.Join(s.baseDir, timestampsDir, filename(key))
}

func (s *Store) keyPath(key identifier.ID) string {
	return filepath.Join(s.baseDir, keysDir, filename(key))
}

func (s *Store) readRecordFile(kind Kind, key identifier.ID) (*recordFile, bool, error) {
	b, err := os.ReadFile(s.recordPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// An empty file is the lock file withFileLock creates for a record that
	// was never written; treat it as absent.
	if len(b) == 0 {
		return nil, false, nil
	}
	rf := &recordFile{}
	if err := gojay.Unmarshal(b, rf); err != nil {
		return nil, false, err
	}
	return rf, true, nil
}

func (s *Store) writeRecordFile(kind Kind, key identifier.ID, rf *recordFile) error {
	b, err := gojay.Marshal(rf)
	if err != nil {
		return err
	}
	return os.WriteFile(s.recordPath(kind, key), b, 0o644)
}

func (s *Store) readTimestampFile(key identifier.ID) (*timestampFile, bool, error) {
	b, err := os.ReadFile(s.timestampPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	tf := &timestampFile{}
	if err := gojay.Unmarshal(b, tf); err != nil {
		return nil, false, err
	}
	return tf, true, nil
}

func (s *Store) writeTimestampFile(key identifier.ID, tf *timestampFile) error {
	b, err := gojay.Marshal(tf)
	if err != nil {
		return err
	}
	return os.WriteFile(s.timestampPath(key), b, 0o644)
}

func (s *Store) writeKeyMarker(key identifier.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.keyPath(key), key[:], 0o644)
}

func (s *Store) removeKeyMarker(key identifier.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.keyPath(key))
}

// PutValue writes a record with integrity=false, integrity_date=now,
// last_touch=now; last_write defaults to now if the caller supplies the
// zero time (spec.md §4.3).
func (s *Store) PutValue(key identifier.ID, value []byte, kind Kind, keyName string, lastWrite time.Time) error {
	now := time.Now()
	if lastWrite.IsZero() {
		lastWrite = now
	}

	rf := &recordFile{
		Integrity:     false,
		Value:         value,
		IntegrityDate: now,
		KeyName:       keyName,
		LastWrite:     lastWrite,
	}
	if err := s.writeRecordFile(kind, key, rf); err != nil {
		return dfserr.Wrap(dfserr.CodeFatal, "write record failed", err)
	}

	tf := &timestampFile{Date: now, Republish: true, LastWrite: lastWrite}
	if err := s.writeTimestampFile(key, tf); err != nil {
		return dfserr.Wrap(dfserr.CodeFatal, "write timestamp failed", err)
	}

	return s.writeKeyMarker(key)
}

// ConfirmIntegrity atomically compare-and-sets integrity from any state to
// true, under the record file's exclusive lock (spec.md §4.3).
func (s *Store) ConfirmIntegrity(key identifier.ID, kind Kind) (bool, error) {
	var ok bool
	err := withFileLock(s.recordPath(kind, key), func() error {
		rf, found, err := s.readRecordFile(kind, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		rf.Integrity = true
		rf.IntegrityDate = time.Now()
		if err := s.writeRecordFile(kind, key, rf); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// GetValue returns the record if present. If touch, it updates last_touch
// and sets republish_flag=true (spec.md §4.3).
func (s *Store) GetValue(key identifier.ID, kind Kind, touch bool) (*Record, bool, error) {
	rf, found, err := s.readRecordFile(kind, key)
	if err != nil || !found {
		return nil, false, err
	}
	tf, _, err := s.readTimestampFile(key)
	if err != nil {
		return nil, false, err
	}
	if tf == nil {
		tf = &timestampFile{Date: rf.IntegrityDate, LastWrite: rf.LastWrite}
	}

	if touch {
		tf.Date = time.Now()
		tf.Republish = true
		if err := s.writeTimestampFile(key, tf); err != nil {
			return nil, false, err
		}
	}

	rec := &Record{
		Key:           key,
		Kind:          kind,
		Value:         rf.Value,
		KeyName:       rf.KeyName,
		LastWrite:     rf.LastWrite,
		Integrity:     rf.Integrity,
		IntegrityDate: rf.IntegrityDate,
		RepublishFlag: tf.Republish,
		LastTouch:     tf.Date,
	}
	return rec, true, nil
}

// GetPayload returns Value iff the record exists and integrity=true
// (spec.md §4.3).
func (s *Store) GetPayload(key identifier.ID, kind Kind) ([]byte, bool, error) {
	rf, found, err := s.readRecordFile(kind, key)
	if err != nil || !found || !rf.Integrity {
		return nil, false, err
	}
	return rf.Value, true, nil
}

// Contains reports whether the record is present and integrity=true
// (spec.md §4.3).
func (s *Store) Contains(key identifier.ID, kind Kind) (bool, error) {
	rf, found, err := s.readRecordFile(kind, key)
	if err != nil || !found {
		return false, err
	}
	return rf.Integrity, nil
}

// CheckIfNewValueExists is a read-only probe used by the replication
// engine to decide whether to overwrite (spec.md §4.3).
func (s *Store) CheckIfNewValueExists(key identifier.ID, kind Kind) (present bool, lastWrite time.Time, err error) {
	rf, found, err := s.readRecordFile(kind, key)
	if err != nil || !found {
		return false, time.Time{}, err
	}
	return true, rf.LastWrite, nil
}

// Delete removes a record. Metadata deletes cascade: the metadata file is
// locked, demoted to integrity=false, its chunk list is parsed and every
// referenced chunk is recursively deleted, then the metadata record, key
// marker and timestamp entry are removed (spec.md §4.3). Chunk records are
// deleted in place.
func (s *Store) Delete(key identifier.ID, kind Kind) error {
	if kind == KindChunk {
		return s.deleteOne(key, KindChunk)
	}

	var chunkIDs []identifier.ID
	err := withFileLock(s.recordPath(KindMetadata, key), func() error {
		rf, found, err := s.readRecordFile(KindMetadata, key)
		if err != nil || !found {
			return err
		}
		rf.Integrity = false
		if err := s.writeRecordFile(KindMetadata, key, rf); err != nil {
			return err
		}
		ids, err := DecodeChunkList(rf.Value)
		if err != nil {
			return dfserr.Wrap(dfserr.CodeProtocol, "malformed chunk list", err)
		}
		chunkIDs = ids
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if err := s.deleteOne(id, KindChunk); err != nil {
			s.logger.Warn("cascade chunk delete failed", zap.String("chunk", id.String()), zap.Error(err))
		}
	}

	return s.deleteOne(key, KindMetadata)
}

func (s *Store) deleteOne(key identifier.ID, kind Kind) error {
	if err := os.Remove(s.recordPath(kind, key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.timestampPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.removeKeyMarker(key)
	return nil
}

// KeyEntry is one row yielded by Keys().
type KeyEntry struct {
	Key  identifier.ID
	Kind Kind
}

// Keys yields (key, kind) over all locally known keys (spec.md §4.3).
func (s *Store) Keys() ([]KeyEntry, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, keysDir))
	if err != nil {
		return nil, err
	}
	out := make([]KeyEntry, 0, len(entries))
	for _, e := range entries {
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil || len(raw) != identifier.Size {
			continue
		}
		var id identifier.ID
		copy(id[:], raw)

		kind := KindChunk
		if _, err := os.Stat(s.recordPath(KindMetadata, id)); err == nil {
			kind = KindMetadata
		}
		out = append(out, KeyEntry{Key: id, Kind: kind})
	}
	return out, nil
}

// ListIntegrityMetadataNames yields the key_name of every local Metadata
// record with integrity=true (spec.md §4.3).
func (s *Store) ListIntegrityMetadataNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, metadataDir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil || len(raw) != identifier.Size {
			continue
		}
		var id identifier.ID
		copy(id[:], raw)
		rf, found, err := s.readRecordFile(KindMetadata, id)
		if err != nil || !found || !rf.Integrity || rf.KeyName == "" {
			continue
		}
		names = append(names, rf.KeyName)
	}
	return names, nil
}

// AgedRecord is one row yielded by IterateOlderThan.
type AgedRecord struct {
	Key       identifier.ID
	Value     []byte
	Kind      Kind
	LastWrite time.Time
	KeyName   string
}

// IterateOlderThan yields every record whose last_touch is older than the
// cutoff OR whose republish_flag is set, skipping integrity=false records
// (spec.md §4.3). Used by the maintenance loop's republish step.
func (s *Store) IterateOlderThan(cutoff time.Duration) ([]AgedRecord, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []AgedRecord
	for _, ke := range keys {
		tf, found, err := s.readTimestampFile(ke.Key)
		if err != nil || !found {
			continue
		}
		if !tf.Republish && now.Sub(tf.Date) < cutoff {
			continue
		}
		rf, found, err := s.readRecordFile(ke.Kind, ke.Key)
		if err != nil || !found || !rf.Integrity {
			continue
		}
		out = append(out, AgedRecord{
			Key:       ke.Key,
			Value:     rf.Value,
			Kind:      ke.Kind,
			LastWrite: rf.LastWrite,
			KeyName:   rf.KeyName,
		})
	}
	return out, nil
}

// ClearRepublishFlag clears republish_flag after a successful republication
// sweep (spec.md §4.8 step 3).
func (s *Store) ClearRepublishFlag(key identifier.ID) error {
	tf, found, err := s.readTimestampFile(key)
	if err != nil || !found {
		return err
	}
	tf.Republish = false
	return s.writeTimestampFile(key, tf)
}

// SweepCorrupted deletes every record with integrity=false whose
// integrity_date is older than ttl (spec.md §4.3, invariant I2).
func (s *Store) SweepCorrupted(ttl time.Duration) (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	swept := 0
	for _, ke := range keys {
		rf, found, err := s.readRecordFile(ke.Kind, ke.Key)
		if err != nil || !found {
			continue
		}
		if rf.Integrity || now.Sub(rf.IntegrityDate) < ttl {
			continue
		}
		if err := s.deleteOne(ke.Key, ke.Kind); err != nil {
			s.logger.Warn("corruption sweep delete failed", zap.String("key", ke.Key.String()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// Count returns the number of locally held records of kind, split by
// integrity state, for metrics reporting.
func (s *Store) Count(kind Kind) (withIntegrity, without int, err error) {
	entries, err := os.ReadDir(s.recordDirFor(kind))
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil || len(raw) != identifier.Size {
			continue
		}
		var id identifier.ID
		copy(id[:], raw)
		rf, found, err := s.readRecordFile(kind, id)
		if err != nil || !found {
			continue
		}
		if rf.Integrity {
			withIntegrity++
		} else {
			without++
		}
	}
	return withIntegrity, without, nil
}
