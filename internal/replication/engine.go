// Package replication implements the Replication Engine (spec.md §4.7):
// chunked put with two-phase integrity commit, value retrieval by chunk
// reassembly, cascading delete, and the welcome_if_new proactive-store
// side effect every RPC triggers on first contact.
package replication

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/crawl"
	"github.com/kadefs/kadefs/internal/dfserr"
	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

// DefaultChunkSize is the split size for upload_file (spec.md §4.7: "500
// bytes for small tests, configurable").
const DefaultChunkSize = 500

// Config bundles the replication parameters spec.md leaves as constants
// shared with the routing table and crawlers.
type Config struct {
	KSize     int
	Alpha     int
	ChunkSize int
}

func (c Config) withDefaults() Config {
	if c.KSize <= 0 {
		c.KSize = routing.DefaultKSize
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	return c
}

// Engine implements C7 against a local Store, a Table of known peers, and
// an RPC client for remote sessions.
type Engine struct {
	self    node.Descriptor
	store   *store.Store
	table   *routing.Table
	client  *rpc.Client
	cfg     Config
	metrics *metrics.Registry
	logger  *zap.Logger
	limiter *rate.Limiter
}

func New(self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, cfg Config, m *metrics.Registry, limiter *rate.Limiter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{self: self, store: st, table: table, client: client, cfg: cfg.withDefaults(), metrics: m, limiter: limiter, logger: logger}
}

func toRPCKind(k store.Kind) rpc.Kind {
	if k == store.KindMetadata {
		return rpc.KindMetadata
	}
	return rpc.KindChunk
}

func fromRPCKind(k rpc.Kind) store.Kind {
	if k == rpc.KindMetadata {
		return store.KindMetadata
	}
	return store.KindChunk
}

func shouldWrite(localLastWrite *time.Time, remotePresent bool, remoteLastWrite time.Time) bool {
	if localLastWrite == nil {
		return true
	}
	if !remotePresent {
		return true
	}
	return remoteLastWrite.Before(*localLastWrite)
}

func selfAmongClosest(nodes []node.Descriptor, self identifier.ID, key identifier.ID, ksize int) bool {
	if len(nodes) < ksize {
		return true
	}
	farthest := nodes[len(nodes)-1]
	return identifier.Less(key, self, farthest.ID)
}

// SetDigestOptions parameterises set_digest (spec.md §4.7).
type SetDigestOptions struct {
	ExcludeSelf    bool
	LocalLastWrite *time.Time
	KeyName        string
	DoConfirm      bool
}

// SetDigest resolves the k nodes closest to key, writes locally when
// eligible, and replicates to each remote peer subject to the
// last-write-wins predicate (spec.md §4.7).
func (e *Engine) SetDigest(ctx context.Context, key identifier.ID, value []byte, kind store.Kind, opts SetDigestOptions) (bool, error) {
	seed := e.table.FindNeighbors(key, e.cfg.KSize, nil)
	nodes := crawl.NodeCrawler(ctx, e.client, e.self.ID, key, seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)

	wrote := false
	now := time.Now()
	lastWrite := now
	if opts.LocalLastWrite != nil {
		lastWrite = *opts.LocalLastWrite
	}

	selfEligible := !opts.ExcludeSelf && (len(nodes) == 0 || selfAmongClosest(nodes, e.self.ID, key, e.cfg.KSize))
	if selfEligible {
		present, remoteLastWrite, err := e.store.CheckIfNewValueExists(key, kind)
		if err != nil {
			return false, err
		}
		if shouldWrite(opts.LocalLastWrite, present, remoteLastWrite) {
			if err := e.store.PutValue(key, value, kind, opts.KeyName, lastWrite); err != nil {
				e.logger.Warn("local set_digest write failed", zap.Error(err))
			} else {
				wrote = true
			}
		}
	}

	rpcKind := toRPCKind(kind)
	for _, peer := range nodes {
		probe, err := e.client.Call(ctx, peer, &rpc.Message{Method: rpc.MethodCheckIfNewValueExists, TargetID: key, Kind: rpcKind})
		remotePresent := err == nil && probe.Present
		var remoteLastWrite time.Time
		if err == nil {
			remoteLastWrite = probe.LastWrite
		}
		if !shouldWrite(opts.LocalLastWrite, remotePresent, remoteLastWrite) {
			continue
		}

		resp, err := e.client.Call(ctx, peer, &rpc.Message{
			Method: rpc.MethodStore, TargetID: key, Value: value, Kind: rpcKind,
			KeyName: opts.KeyName, LastWrite: lastWrite,
		})
		if err != nil || !resp.OK {
			continue
		}
		wrote = true

		if opts.DoConfirm {
			if confirmResp, err := e.client.Call(ctx, peer, &rpc.Message{Method: rpc.MethodConfirmIntegrity, TargetID: key, Kind: rpcKind}); err == nil {
				_ = confirmResp.OK
			}
		}
	}

	return wrote, nil
}

// chunkBytes splits data into size-byte chunks (the last one possibly
// shorter).
func chunkBytes(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	if len(chunks) == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks
}

// UploadFile implements upload_file(name, bytes) (spec.md §4.7): chunk,
// write chunks then metadata, roll back on any failure, then run a
// best-effort confirm-integrity pass.
func (e *Engine) UploadFile(ctx context.Context, name string, data []byte) error {
	chunks := chunkBytes(data, e.cfg.ChunkSize)
	chunkIDs := make([]identifier.ID, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = identifier.Digest(c)
	}

	var written []identifier.ID
	for i, c := range chunks {
		ok, err := e.SetDigest(ctx, chunkIDs[i], c, store.KindChunk, SetDigestOptions{})
		if err != nil || !ok {
			rollbackErr := e.rollback(ctx, written)
			return multierr.Combine(dfserr.PutRollback(err), rollbackErr)
		}
		written = append(written, chunkIDs[i])
	}

	chunkListValue, err := store.EncodeChunkList(chunkIDs)
	if err != nil {
		rollbackErr := e.rollback(ctx, written)
		return multierr.Combine(dfserr.Wrap(dfserr.CodeProtocol, "chunk list encode failed", err), rollbackErr)
	}

	metadataKey := identifier.DigestString(name)
	ok, err := e.SetDigest(ctx, metadataKey, chunkListValue, store.KindMetadata, SetDigestOptions{KeyName: name})
	if err != nil || !ok {
		rollbackErr := e.rollback(ctx, written)
		return multierr.Combine(dfserr.PutRollback(err), rollbackErr)
	}

	e.confirmBestEffort(ctx, chunkIDs, store.KindChunk)
	e.confirmBestEffort(ctx, []identifier.ID{metadataKey}, store.KindMetadata)

	return nil
}

// rollback issues delete_from_network for every chunk written so far
// (spec.md §4.7 step 3).
func (e *Engine) rollback(ctx context.Context, chunkIDs []identifier.ID) error {
	var errs error
	for _, id := range chunkIDs {
		if err := e.DeleteFromNetwork(ctx, id, store.KindChunk); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// confirmBestEffort runs the second-phase integrity commit: local confirm
// plus a ConfirmIntegrityCrawler pass against the closest peers. Failures
// are logged, not propagated — the maintenance loop retries (spec.md §4.7
// step 5).
func (e *Engine) confirmBestEffort(ctx context.Context, ids []identifier.ID, kind store.Kind) {
	rpcKind := toRPCKind(kind)
	for _, id := range ids {
		if _, err := e.store.ConfirmIntegrity(id, kind); err != nil {
			e.logger.Warn("local confirm_integrity failed", zap.String("id", id.String()), zap.Error(err))
		}
		seed := e.table.FindNeighbors(id, e.cfg.KSize, nil)
		crawl.ConfirmIntegrityCrawler(ctx, e.client, e.self.ID, id, rpcKind, seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)
	}
}

// DeleteFromNetwork deletes locally then fans the delete out to the k
// closest peers (spec.md §4.7 "Delete").
func (e *Engine) DeleteFromNetwork(ctx context.Context, key identifier.ID, kind store.Kind) error {
	if err := e.store.Delete(key, kind); err != nil {
		return err
	}
	seed := e.table.FindNeighbors(key, e.cfg.KSize, nil)
	crawl.DeleteCrawler(ctx, e.client, e.self.ID, key, toRPCKind(kind), seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)
	return nil
}

// Get implements get(name) (spec.md §4.7): resolve the metadata record,
// then reassemble every chunk in order from whichever of its reported
// locations responds first.
func (e *Engine) Get(ctx context.Context, name string) ([]byte, bool, error) {
	metadataKey := identifier.DigestString(name)
	seed := e.table.FindNeighbors(metadataKey, e.cfg.KSize, nil)

	if len(seed) == 0 {
		payload, found, err := e.store.GetPayload(metadataKey, store.KindMetadata)
		if err != nil || !found {
			return nil, false, err
		}
		return e.assemble(ctx, payload)
	}

	result := crawl.ValueCrawler(ctx, e.client, e.self.ID, metadataKey, rpc.KindMetadata, seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)
	if !result.Found {
		return nil, false, nil
	}
	if result.HasRepair {
		_, _ = e.client.Call(ctx, result.RepairPeer, &rpc.Message{
			Method: rpc.MethodStore, TargetID: metadataKey, Value: result.Value, Kind: rpc.KindMetadata, KeyName: name,
		})
	}
	return e.assemble(ctx, result.Value)
}

func (e *Engine) assemble(ctx context.Context, chunkListValue []byte) ([]byte, bool, error) {
	chunkIDs, err := store.DecodeChunkList(chunkListValue)
	if err != nil {
		return nil, false, dfserr.Wrap(dfserr.CodeProtocol, "malformed chunk list", err)
	}

	var out []byte
	for _, chunkID := range chunkIDs {
		seed := e.table.FindNeighbors(chunkID, e.cfg.KSize, nil)
		locations := crawl.ChunkLocationCrawler(ctx, e.client, e.self.ID, chunkID, seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)

		fetched := false
		for _, loc := range locations {
			resp, err := e.client.Call(ctx, loc, &rpc.Message{Method: rpc.MethodGetChunkValue, TargetID: chunkID})
			if err != nil || !resp.HasValue {
				continue
			}
			out = append(out, resp.Value...)
			fetched = true
			break
		}
		if !fetched {
			if payload, found, err := e.store.GetPayload(chunkID, store.KindChunk); err == nil && found {
				out = append(out, payload...)
				fetched = true
			}
		}
		if !fetched {
			return nil, false, dfserr.NotFound(chunkID.String())
		}
	}
	return out, true, nil
}

// Delete implements delete(name) (spec.md §4.7 "Delete"): local delete
// (which cascades to locally-held chunks) then a delete fan-out to the k
// closest peers, each of which cascades on its own side.
func (e *Engine) Delete(ctx context.Context, name string) error {
	metadataKey := identifier.DigestString(name)
	if err := e.store.Delete(metadataKey, store.KindMetadata); err != nil {
		return err
	}
	seed := e.table.FindNeighbors(metadataKey, e.cfg.KSize, nil)
	crawl.DeleteCrawler(ctx, e.client, e.self.ID, metadataKey, rpc.KindMetadata, seed, e.cfg.KSize, e.cfg.Alpha, e.limiter, e.metrics)
	return nil
}

// WelcomeIfNew implements welcome_if_new(n) (spec.md §4.7): on first
// contact, add n to the routing table, then proactively push every local
// record n should plausibly hold before the next maintenance cycle would
// reach it.
func (e *Engine) WelcomeIfNew(ctx context.Context, n node.Descriptor, ping func(node.Descriptor) bool) {
	if n.ID == e.self.ID {
		return
	}
	alreadyKnown := e.table.Known(n.ID)
	e.table.AddNode(n, ping)
	if alreadyKnown {
		return
	}

	entries, err := e.store.Keys()
	if err != nil {
		e.logger.Warn("welcome_if_new: local key listing failed", zap.Error(err))
		return
	}

	for _, entry := range entries {
		rec, found, err := e.store.GetValue(entry.Key, entry.Kind, false)
		if err != nil || !found || !rec.Integrity {
			continue
		}

		neighbors := e.table.FindNeighbors(entry.Key, e.cfg.KSize, nil)
		proactive := len(neighbors) == 0
		if !proactive {
			furthest := neighbors[len(neighbors)-1]
			nearest := neighbors[0]
			proactive = identifier.Less(entry.Key, n.ID, furthest.ID) && identifier.Less(entry.Key, e.self.ID, nearest.ID)
		}
		if !proactive {
			continue
		}

		_, _ = e.client.Call(ctx, n, &rpc.Message{
			Method: rpc.MethodStore, TargetID: entry.Key, Value: rec.Value, Kind: toRPCKind(entry.Kind),
			KeyName: rec.KeyName, LastWrite: rec.LastWrite,
		})
	}
}
