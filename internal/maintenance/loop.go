// Package maintenance implements the background Maintenance Loop (spec.md
// §4.8): corruption sweep, bucket refresh, old-key republish, replica
// census, under- and over-replication repair, plus the 15s solitude
// detector.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/crawl"
	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/replication"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

// Config bundles the cycle timing and replication parameters.
type Config struct {
	RefreshSleep    time.Duration
	KSize           int
	Alpha           int
	LonelyThreshold time.Duration
	CorruptionTTL   time.Duration
	SolitudeCheck   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshSleep <= 0 {
		c.RefreshSleep = time.Hour
	}
	if c.KSize <= 0 {
		c.KSize = routing.DefaultKSize
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.LonelyThreshold <= 0 {
		c.LonelyThreshold = routing.DefaultLonelyThreshold
	}
	if c.CorruptionTTL <= 0 {
		c.CorruptionTTL = 4 * c.RefreshSleep
	}
	if c.SolitudeCheck <= 0 {
		c.SolitudeCheck = 15 * time.Second
	}
	return c
}

// Rejoiner listens on the discovery channel for a bootstrap tuple when the
// routing table has gone empty (spec.md §4.8 "solitude detector").
type Rejoiner interface {
	Rejoin(ctx context.Context) (node.Descriptor, bool)
}

// Loop drives the periodic C8 cycle for one node.
type Loop struct {
	self        node.Descriptor
	store       *store.Store
	table       *routing.Table
	client      *rpc.Client
	replication *replication.Engine
	metrics     *metrics.Registry
	rejoiner    Rejoiner
	cfg         Config
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func New(self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, repl *replication.Engine, m *metrics.Registry, rejoiner Rejoiner, cfg Config, limiter *rate.Limiter, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		self: self, store: st, table: table, client: client, replication: repl,
		metrics: m, rejoiner: rejoiner, cfg: cfg.withDefaults(), limiter: limiter, logger: logger,
	}
}

// ping reports liveness by issuing a ping RPC; used when the routing
// table needs to decide whether to evict a bucket head.
func (l *Loop) ping(n node.Descriptor) bool {
	_, err := l.client.Call(context.Background(), n, &rpc.Message{Method: rpc.MethodPing})
	return err == nil
}

// Run drives the refresh cycle on RefreshSleep and the solitude detector
// on SolitudeCheck, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	cycleTicker := time.NewTicker(l.cfg.RefreshSleep)
	defer cycleTicker.Stop()
	solitudeTicker := time.NewTicker(l.cfg.SolitudeCheck)
	defer solitudeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycleTicker.C:
			l.cycle(ctx)
		case <-solitudeTicker.C:
			l.checkSolitude(ctx)
		}
	}
}

func (l *Loop) checkSolitude(ctx context.Context) {
	if l.table.Size() > 0 || l.rejoiner == nil {
		return
	}
	bootstrap, found := l.rejoiner.Rejoin(ctx)
	if !found {
		return
	}

	// The discovery heartbeat carries only (host, port); learn the peer's
	// real id via a ping before trusting it into the routing table.
	resp, err := l.client.Call(ctx, bootstrap, &rpc.Message{Method: rpc.MethodPing})
	if err != nil {
		l.logger.Warn("solitude rejoin ping failed", zap.String("peer", bootstrap.Addr()), zap.Error(err))
		return
	}
	peer := node.New(resp.TargetID, bootstrap.Host, bootstrap.Port)
	l.table.AddNode(peer, l.ping)
	l.logger.Info("rejoined via discovery bootstrap", zap.String("peer", peer.Addr()))
}

func (l *Loop) cycle(ctx context.Context) {
	swept, err := l.store.SweepCorrupted(l.cfg.CorruptionTTL)
	if err != nil {
		l.logger.Warn("corruption sweep failed", zap.Error(err))
	} else if swept > 0 {
		l.logger.Info("corruption sweep removed records", zap.Int("count", swept))
	}
	if l.metrics != nil {
		l.metrics.MaintenanceCycles.Inc()
	}

	l.refreshLonelyBuckets(ctx)
	l.republishOldKeys(ctx)
	l.censusAndRepair(ctx)
}

// refreshLonelyBuckets implements step 2 (spec.md §4.8).
func (l *Loop) refreshLonelyBuckets(ctx context.Context) {
	for _, target := range l.table.LonelyBuckets(l.cfg.LonelyThreshold) {
		seed := l.table.FindNeighbors(target, l.cfg.KSize, nil)
		found := crawl.NodeCrawler(ctx, l.client, l.self.ID, target, seed, l.cfg.KSize, l.cfg.Alpha, l.limiter, l.metrics)
		for _, n := range found {
			l.table.AddNode(n, l.ping)
		}
	}
}

// republishOldKeys implements step 3 (spec.md §4.8).
func (l *Loop) republishOldKeys(ctx context.Context) {
	aged, err := l.store.IterateOlderThan(l.cfg.RefreshSleep)
	if err != nil {
		l.logger.Warn("iterate_older_than failed", zap.Error(err))
		return
	}
	for _, rec := range aged {
		lastWrite := rec.LastWrite
		if _, err := l.replication.SetDigest(ctx, rec.Key, rec.Value, rec.Kind, replication.SetDigestOptions{
			ExcludeSelf:    true,
			LocalLastWrite: &lastWrite,
			KeyName:        rec.KeyName,
			DoConfirm:      true,
		}); err != nil {
			l.logger.Warn("republish failed", zap.String("key", rec.Key.String()), zap.Error(err))
			continue
		}
		if err := l.store.ClearRepublishFlag(rec.Key); err != nil {
			l.logger.Warn("clear republish flag failed", zap.String("key", rec.Key.String()), zap.Error(err))
		}
	}
}

func censusBloomKey(key identifier.ID, peer node.Descriptor) string {
	return fmt.Sprintf("%s:%s", key.String(), peer.Addr())
}

// censusAndRepair implements steps 4-6 (spec.md §4.8): for every local
// record, find its current holder set via a 2*ksize NodeCrawler + contains
// probes, then repair under- or over-replication. A per-cycle bloom filter
// keyed by (key, peer) skips a repeated contains probe for the same key to
// the same peer within one pass.
func (l *Loop) censusAndRepair(ctx context.Context) {
	entries, err := l.store.Keys()
	if err != nil {
		l.logger.Warn("census: key listing failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	seen := bloom.NewWithEstimates(uint(len(entries)*l.cfg.KSize*2+16), 0.01)
	recordCounts := make(map[[2]string]int)
	replicaTotals := make(map[string]int)

	for _, entry := range entries {
		rec, found, err := l.store.GetValue(entry.Key, entry.Kind, false)
		if err != nil || !found {
			continue
		}
		kindLabel := kindLabelOf(entry.Kind)
		integrityLabel := "ok"
		if !rec.Integrity {
			integrityLabel = "corrupt"
		}
		recordCounts[[2]string{kindLabel, integrityLabel}]++
		if !rec.Integrity {
			continue
		}

		seed := l.table.FindNeighbors(entry.Key, 2*l.cfg.KSize, nil)
		candidates := crawl.NodeCrawler(ctx, l.client, l.self.ID, entry.Key, seed, 2*l.cfg.KSize, l.cfg.Alpha, l.limiter, l.metrics)

		var holders []node.Descriptor
		for _, peer := range candidates {
			dedupeKey := []byte(censusBloomKey(entry.Key, peer))
			if seen.Test(dedupeKey) {
				continue
			}
			seen.Add(dedupeKey)

			resp, err := l.client.Call(ctx, peer, &rpc.Message{Method: rpc.MethodContains, TargetID: entry.Key, Kind: rpcKindOf(entry.Kind)})
			if err == nil && resp.OK {
				holders = append(holders, peer)
			}
		}
		replicaTotals[kindLabel] += len(holders)

		l.repairReplication(ctx, entry, rec, holders)
	}

	if l.metrics != nil {
		for k, count := range recordCounts {
			l.metrics.StoreRecords.WithLabelValues(k[0], k[1]).Set(float64(count))
		}
		for kind, total := range replicaTotals {
			l.metrics.ReplicaCount.WithLabelValues(kind).Set(float64(total))
		}
	}
}

func kindLabelOf(k store.Kind) string {
	if k == store.KindMetadata {
		return "metadata"
	}
	return "chunk"
}

func rpcKindOf(k store.Kind) rpc.Kind {
	if k == store.KindMetadata {
		return rpc.KindMetadata
	}
	return rpc.KindChunk
}

// decideRepair implements steps 5-6's pure decision logic (spec.md §4.8):
// a key held by fewer than ksize peers needs a repair write; a key held by
// more than ksize is pruned (peers outside the top-ksize closest, farthest
// first) only when self is the single globally-closest holder.
func decideRepair(self, key identifier.ID, holders []node.Descriptor, ksize int) (needsRepair bool, toPrune []node.Descriptor) {
	if len(holders) < ksize {
		return true, nil
	}
	if len(holders) <= ksize {
		return false, nil
	}

	sorted := append([]node.Descriptor(nil), holders...)
	sort.Slice(sorted, func(i, j int) bool {
		return identifier.Less(key, sorted[i].ID, sorted[j].ID)
	})

	for _, h := range sorted {
		if identifier.Less(key, h.ID, self) {
			return false, nil
		}
	}

	prune := append([]node.Descriptor(nil), sorted[ksize:]...)
	sort.Slice(prune, func(i, j int) bool {
		return !identifier.Less(key, prune[i].ID, prune[j].ID)
	})
	return false, prune
}

func (l *Loop) repairReplication(ctx context.Context, entry store.KeyEntry, rec *store.Record, holders []node.Descriptor) {
	needsRepair, toPrune := decideRepair(l.self.ID, entry.Key, holders, l.cfg.KSize)

	if needsRepair {
		lastWrite := rec.LastWrite
		if _, err := l.replication.SetDigest(ctx, entry.Key, rec.Value, entry.Kind, replication.SetDigestOptions{
			ExcludeSelf:    true,
			LocalLastWrite: &lastWrite,
			KeyName:        rec.KeyName,
			DoConfirm:      true,
		}); err != nil {
			l.logger.Warn("under-replication repair failed", zap.String("key", entry.Key.String()), zap.Error(err))
		}
		return
	}

	for _, peer := range toPrune {
		if _, err := l.client.Call(ctx, peer, &rpc.Message{Method: rpc.MethodDelete, TargetID: entry.Key, Kind: rpcKindOf(entry.Kind)}); err != nil {
			l.logger.Warn("over-replication prune failed", zap.String("key", entry.Key.String()), zap.String("peer", peer.Addr()), zap.Error(err))
		}
	}
}
