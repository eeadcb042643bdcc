package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/dfserr"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/routing"
)

// dialTimeout bounds a single RPC's stream round trip (spec.md §4.5: "a
// short-lived, closable connection").
const dialTimeout = 10 * time.Second

// Client opens one libp2p stream per RPC call against a remote peer,
// closing it deterministically on return, and trips a per-peer circuit
// breaker on repeated transport failure (SPEC_FULL.md §4.5), grounded on
// the teacher's SendPacket (internal/network/mesh.go) generalized from one
// global connection to a per-target breaker.
type Client struct {
	host    libp2phost.Host
	self    node.Descriptor
	table   *routing.Table
	metrics *metrics.Registry
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a Client bound to host. table and m are both optional
// (nil-safe): when table is non-nil, a transport or circuit-open failure
// evicts the unreachable peer from it (spec.md §7's recovery rule, applied
// once here rather than duplicated at every crawler and call site); when m
// is non-nil, the same failure increments RPCFailuresTotal.
func NewClient(host libp2phost.Host, self node.Descriptor, table *routing.Table, m *metrics.Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		host:     host,
		self:     self,
		table:    table,
		metrics:  m,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(addr string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[addr] = cb
	return cb
}

// Call opens a stream to target, writes req, half-closes, reads the
// response, and closes the stream — the "short-lived, closable
// connection" of spec.md §4.5. An open breaker short-circuits without
// dialing.
func (c *Client) Call(ctx context.Context, target node.Descriptor, req *Message) (*Message, error) {
	req.SenderID = c.self.ID
	req.SenderHost = c.self.Host
	req.SenderPort = c.self.Port
	if req.ID == "" {
		req.ID = NewCorrelationID()
	}

	addr := target.Addr()
	cb := c.breakerFor(addr)

	result, err := cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, target, req)
	})
	if err != nil {
		if c.table != nil {
			c.table.Remove(target.ID)
		}
		if c.metrics != nil {
			c.metrics.RPCFailuresTotal.WithLabelValues(string(req.Method)).Inc()
		}
		if err == gobreaker.ErrOpenState {
			return nil, dfserr.CircuitOpen(addr)
		}
		return nil, dfserr.Transport(addr, err)
	}
	return result.(*Message), nil
}

func (c *Client) roundTrip(ctx context.Context, target node.Descriptor, req *Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	maddr, err := target.Multiaddr()
	if err != nil {
		return nil, fmt.Errorf("bad target multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		// target descriptors carry no /p2p/ component (spec.md §3 only
		// names host/port); dial by bare multiaddr, libp2p resolves the
		// peer identity during the security handshake.
		info = &peer.AddrInfo{Addrs: []ma.Multiaddr{maddr}}
	}

	if err := c.host.Connect(ctx, *info); err != nil {
		return nil, err
	}

	stream, err := c.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	payload, err := Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(payload); err != nil {
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}
