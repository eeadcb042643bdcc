// Package api implements the Public API (spec.md §4.10) and the RPC
// surface handlers (spec.md §4.5) a node's Store, Table, and Replication
// Engine are wired into.
package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/crawl"
	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/replication"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

// Config bundles the crawl parameters List/Get/Put/Delete need when
// fanning out to the network.
type Config struct {
	KSize int
	Alpha int
}

func (c Config) withDefaults() Config {
	if c.KSize <= 0 {
		c.KSize = routing.DefaultKSize
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	return c
}

// Node is the façade a CLI or server entrypoint drives: put, get, delete,
// list (spec.md §4.10).
type Node struct {
	self        node.Descriptor
	store       *store.Store
	table       *routing.Table
	client      *rpc.Client
	replication *replication.Engine
	cfg         Config
	metrics     *metrics.Registry
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func New(self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, repl *replication.Engine, cfg Config, m *metrics.Registry, limiter *rate.Limiter, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		self: self, store: st, table: table, client: client, replication: repl,
		cfg: cfg.withDefaults(), metrics: m, limiter: limiter, logger: logger,
	}
}

// Put implements put(name, bytes) -> bool (spec.md §4.10).
func (n *Node) Put(ctx context.Context, name string, data []byte) (bool, error) {
	if err := n.replication.UploadFile(ctx, name, data); err != nil {
		return false, err
	}
	return true, nil
}

// Get implements get(name) -> Option<bytes> (spec.md §4.10).
func (n *Node) Get(ctx context.Context, name string) ([]byte, bool, error) {
	return n.replication.Get(ctx, name)
}

// Delete implements delete(name) -> bool (spec.md §4.10).
func (n *Node) Delete(ctx context.Context, name string) (bool, error) {
	if err := n.replication.Delete(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// List implements list() -> Set<string> (spec.md §4.10): the union of the
// local integrity-confirmed metadata names with an LsCrawler round.
func (n *Node) List(ctx context.Context) ([]string, error) {
	local, err := n.store.ListIntegrityMetadataNames()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(local))
	out := make([]string, 0, len(local))
	for _, name := range local {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	seed := n.table.FindNeighbors(n.self.ID, n.cfg.KSize, nil)
	if len(seed) == 0 {
		return out, nil
	}
	for _, name := range crawl.LsCrawler(ctx, n.client, n.self.ID, n.self.ID, seed, n.cfg.KSize, n.cfg.Alpha, n.limiter, n.metrics) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// Handlers adapts Node to rpc.Handlers (spec.md §4.5). It is a distinct
// type from Node because the RPC surface's delete(key, kind) and the
// public API's delete(name) have different shapes and must not collide as
// methods of the same receiver.
type Handlers struct {
	*Node
}

func NewHandlers(n *Node) Handlers {
	return Handlers{Node: n}
}

func toNeighborInfo(d node.Descriptor) rpc.NeighborInfo {
	return rpc.NeighborInfo{ID: d.ID, Host: d.Host, Port: d.Port}
}

func fromRPCKind(k rpc.Kind) store.Kind {
	if k == rpc.KindMetadata {
		return store.KindMetadata
	}
	return store.KindChunk
}

// Ping implements ping(remote_id?) (spec.md §4.5): returns the node's own
// id, unless remoteID is supplied and doesn't match, in which case nothing
// is returned.
func (h Handlers) Ping(ctx context.Context, sender node.Descriptor, remoteID *identifier.ID) (identifier.ID, bool) {
	if remoteID != nil && *remoteID != h.self.ID {
		return identifier.ID{}, false
	}
	return h.self.ID, true
}

// Store implements store(key, value, kind, key_name, last_write?) (spec.md
// §4.5): always writes locally with integrity=false.
func (h Handlers) Store(ctx context.Context, sender node.Descriptor, req *rpc.Message) error {
	return h.store.PutValue(req.TargetID, req.Value, fromRPCKind(req.Kind), req.KeyName, req.LastWrite)
}

// FindNode implements find_node(target) (spec.md §4.5).
func (h Handlers) FindNode(ctx context.Context, sender node.Descriptor, target identifier.ID) []rpc.NeighborInfo {
	nodes := h.table.FindNeighbors(target, h.cfg.KSize, &sender)
	out := make([]rpc.NeighborInfo, len(nodes))
	for i, d := range nodes {
		out[i] = toNeighborInfo(d)
	}
	return out
}

// FindValue implements find_value(target, kind) (spec.md §4.5): returns
// the value if locally held with integrity=true, else up to k neighbors.
func (h Handlers) FindValue(ctx context.Context, sender node.Descriptor, target identifier.ID, kind rpc.Kind) ([]byte, bool, []rpc.NeighborInfo) {
	payload, found, err := h.store.GetPayload(target, fromRPCKind(kind))
	if err == nil && found {
		return payload, true, nil
	}
	return nil, false, h.FindNode(ctx, sender, target)
}

// FindChunkLocation implements find_chunk_location(target) (spec.md §4.5):
// reports this node's own address if it holds the chunk, else up to k
// neighbors.
func (h Handlers) FindChunkLocation(ctx context.Context, sender node.Descriptor, chunk identifier.ID) (string, int, bool, []rpc.NeighborInfo) {
	has, err := h.store.Contains(chunk, store.KindChunk)
	if err == nil && has {
		return h.self.Host, h.self.Port, true, nil
	}
	return "", 0, false, h.FindNode(ctx, sender, chunk)
}

// Contains implements contains(key, kind) (spec.md §4.5).
func (h Handlers) Contains(ctx context.Context, sender node.Descriptor, key identifier.ID, kind rpc.Kind) bool {
	ok, err := h.store.Contains(key, fromRPCKind(kind))
	return err == nil && ok
}

// CheckIfNewValueExists implements check_if_new_value_exists(key, kind)
// (spec.md §4.5).
func (h Handlers) CheckIfNewValueExists(ctx context.Context, sender node.Descriptor, key identifier.ID, kind rpc.Kind) (bool, time.Time) {
	present, lastWrite, err := h.store.CheckIfNewValueExists(key, fromRPCKind(kind))
	if err != nil {
		return false, time.Time{}
	}
	return present, lastWrite
}

// Delete implements delete(key, kind) (spec.md §4.5): a local-only delete,
// distinct from Node.Delete's network-wide fan-out.
func (h Handlers) Delete(ctx context.Context, sender node.Descriptor, key identifier.ID, kind rpc.Kind) bool {
	return h.store.Delete(key, fromRPCKind(kind)) == nil
}

// ConfirmIntegrity implements confirm_integrity(key, kind) (spec.md §4.5).
func (h Handlers) ConfirmIntegrity(ctx context.Context, sender node.Descriptor, key identifier.ID, kind rpc.Kind) bool {
	ok, err := h.store.ConfirmIntegrity(key, fromRPCKind(kind))
	return err == nil && ok
}

// GetMetadataList implements get_metadata_list() (spec.md §4.5).
func (h Handlers) GetMetadataList(ctx context.Context, sender node.Descriptor) []string {
	names, err := h.store.ListIntegrityMetadataNames()
	if err != nil {
		h.logger.Warn("get_metadata_list failed", zap.Error(err))
		return nil
	}
	return names
}

// GetChunkValue implements get_chunk_value(key) (spec.md §4.5): no
// integrity gate, per spec.md's explicit note that callers verify via
// contains/find_chunk_location.
func (h Handlers) GetChunkValue(ctx context.Context, sender node.Descriptor, key identifier.ID) ([]byte, bool) {
	rec, found, err := h.store.GetValue(key, store.KindChunk, false)
	if err != nil || !found {
		return nil, false
	}
	return rec.Value, true
}

// FindNeighbors implements find_neighbors() (spec.md §4.5): the callee's
// current non-self neighbors.
func (h Handlers) FindNeighbors(ctx context.Context, sender node.Descriptor) []rpc.NeighborInfo {
	nodes := h.table.FindNeighbors(h.self.ID, h.cfg.KSize, &sender)
	out := make([]rpc.NeighborInfo, len(nodes))
	for i, d := range nodes {
		out[i] = toNeighborInfo(d)
	}
	return out
}

// WelcomeIfNew implements the canonical side effect every RPC triggers on
// receipt (spec.md §4.5, §4.7).
func (h Handlers) WelcomeIfNew(ctx context.Context, sender node.Descriptor) {
	h.replication.WelcomeIfNew(ctx, sender, h.ping)
}

func (h Handlers) ping(target node.Descriptor) bool {
	_, err := h.client.Call(context.Background(), target, &rpc.Message{Method: rpc.MethodPing})
	return err == nil
}
