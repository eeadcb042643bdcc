// Package crawl implements the Spider Crawlers (spec.md §4.6): the
// iterative lookup abstracted as a generic round loop parameterised by an
// RPC call and a response handler, grounded on the teacher's
// lookupChunk/iterativeFindNode pair (kernel/core/mesh/routing/dht.go),
// generalized from two hand-duplicated loops into one reusable engine with
// pluggable strategies.
package crawl

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/rpc"
)

// Engine tracks the shared round-loop state of spec.md §4.6: nearest (a
// bounded, distance-sorted candidate set), and which candidates have
// already been contacted.
type Engine struct {
	self   identifier.ID
	target identifier.ID
	ksize  int
	alpha  int

	mu        sync.Mutex
	nearest   []node.Descriptor
	contacted map[identifier.ID]bool
}

// NewEngine seeds the engine's nearest set from the local routing table's
// closest known nodes to target.
func NewEngine(self, target identifier.ID, ksize, alpha int, seed []node.Descriptor) *Engine {
	e := &Engine{
		self:      self,
		target:    target,
		ksize:     ksize,
		alpha:     alpha,
		contacted: make(map[identifier.ID]bool),
	}
	for _, n := range seed {
		e.offer(n)
	}
	return e
}

func (e *Engine) offer(n node.Descriptor) {
	if n.ID == e.self {
		return
	}
	for _, existing := range e.nearest {
		if existing.ID == n.ID {
			return
		}
	}
	e.nearest = append(e.nearest, n)
	sort.Slice(e.nearest, func(i, j int) bool {
		return identifier.Less(e.target, e.nearest[i].ID, e.nearest[j].ID)
	})
	if len(e.nearest) > e.ksize {
		e.nearest = e.nearest[:e.ksize]
	}
}

// Offer pushes a newly discovered neighbor into the candidate set,
// keeping it sorted by distance to target and bounded to ksize entries.
func (e *Engine) Offer(n node.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offer(n)
}

// Nearest returns a snapshot of the current candidate set, closest first.
func (e *Engine) Nearest() []node.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]node.Descriptor, len(e.nearest))
	copy(out, e.nearest)
	return out
}

func idSet(nodes []node.Descriptor) map[identifier.ID]bool {
	s := make(map[identifier.ID]bool, len(nodes))
	for _, n := range nodes {
		s[n.ID] = true
	}
	return s
}

func sameIDSet(a, b map[identifier.ID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// selectRound picks up to alpha uncontacted candidates from nearest,
// widening to the full nearest set if it hasn't changed since the prior
// round (spec.md §4.6 "Round").
func (e *Engine) selectRound(lastRoundIDs map[identifier.ID]bool) ([]node.Descriptor, map[identifier.ID]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentIDs := idSet(e.nearest)
	limit := e.alpha
	if lastRoundIDs != nil && sameIDSet(currentIDs, lastRoundIDs) {
		limit = len(e.nearest)
	}

	var candidates []node.Descriptor
	for _, n := range e.nearest {
		if e.contacted[n.ID] {
			continue
		}
		candidates = append(candidates, n)
		if len(candidates) >= limit {
			break
		}
	}
	return candidates, currentIDs
}

func (e *Engine) markContacted(id identifier.ID) {
	e.mu.Lock()
	e.contacted[id] = true
	e.mu.Unlock()
}

func (e *Engine) allContacted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.nearest {
		if !e.contacted[n.ID] {
			return false
		}
	}
	return true
}

// Call issues a crawler's configured RPC against peer.
type Call func(ctx context.Context, peer node.Descriptor) (*rpc.Message, error)

// ResponseHandler processes one RPC outcome (possibly an error) and
// reports whether the crawl should terminate immediately (spec.md §4.6
// "Termination").
type ResponseHandler func(peer node.Descriptor, resp *rpc.Message, err error) (terminal bool)

// Run drives the generic round loop shared by every crawler specialisation
// (spec.md §4.6): select up to alpha uncontacted candidates (or all of
// nearest if the set hasn't moved), query them concurrently, mark each
// contacted regardless of outcome, and stop when the handler signals a
// terminal result or every candidate in nearest has been contacted.
// limiter, if non-nil, paces the rate of outbound dials (SPEC_FULL.md
// §4.6). m and strategy, if m is non-nil, record CrawlRoundsTotal per round
// and the crawl's total wall-clock in LookupLatency.
func Run(ctx context.Context, e *Engine, call Call, handle ResponseHandler, limiter *rate.Limiter, m *metrics.Registry, strategy string) {
	if m != nil {
		start := time.Now()
		defer func() { m.LookupLatency.Observe(time.Since(start).Seconds()) }()
	}

	var lastRoundIDs map[identifier.ID]bool

	for {
		candidates, roundIDs := e.selectRound(lastRoundIDs)
		if len(candidates) == 0 {
			return
		}
		if m != nil {
			m.CrawlRoundsTotal.WithLabelValues(strategy).Inc()
		}
		lastRoundIDs = roundIDs

		var wg sync.WaitGroup
		var terminatedMu sync.Mutex
		terminated := false

		for _, peer := range candidates {
			wg.Add(1)
			go func(p node.Descriptor) {
				defer wg.Done()
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						e.markContacted(p.ID)
						return
					}
				}
				resp, err := call(ctx, p)
				e.markContacted(p.ID)
				if handle(p, resp, err) {
					terminatedMu.Lock()
					terminated = true
					terminatedMu.Unlock()
				}
			}(peer)
		}
		wg.Wait()

		if terminated {
			return
		}
		if e.allContacted() {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
