package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
)

// defaultRejoinTimeout bounds how long the solitude detector waits for a
// bootstrap heartbeat before giving up for this cycle.
const defaultRejoinTimeout = 5 * time.Second

// Bootstrapper adapts Listen to maintenance.Rejoiner: it is the discovery
// channel a lonely node listens on to find a peer to rejoin through
// (spec.md §4.8 "solitude detector").
type Bootstrapper struct {
	SelfAddr string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Rejoin listens for the first non-self announcement and returns it as a
// Node Descriptor with no known id. The caller learns the peer's id by
// pinging the returned address before adding it to its routing table.
func (b Bootstrapper) Rejoin(ctx context.Context) (node.Descriptor, bool) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultRejoinTimeout
	}
	ann, found := Listen(ctx, b.SelfAddr, timeout, b.Logger)
	if !found {
		return node.Descriptor{}, false
	}
	return node.New(identifier.ID{}, ann.Host, ann.Port), true
}
