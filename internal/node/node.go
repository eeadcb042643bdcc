// Package node defines the Node Descriptor value type (spec.md §4.2):
// an immutable (id, host, port) triple. Descriptors are never mutated once
// observed; routing tracks freshness by re-insertion, not by mutation.
package node

import (
	"fmt"
	"math/big"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/kadefs/kadefs/internal/identifier"
)

// Descriptor identifies a participant in the DHT by its 160-bit id and its
// reachable (host, port) address.
type Descriptor struct {
	ID   identifier.ID
	Host string
	Port int
}

// New builds a Descriptor from its parts.
func New(id identifier.ID, host string, port int) Descriptor {
	return Descriptor{ID: id, Host: host, Port: port}
}

// LongID returns the integer view of the descriptor's id.
func (d Descriptor) LongID() *big.Int {
	return d.ID.Int()
}

// DistanceTo returns the XOR distance between this descriptor and other.
func (d Descriptor) DistanceTo(other Descriptor) *big.Int {
	return identifier.Distance(d.ID, other.ID)
}

// SameHomeAs reports whether two descriptors share a (host, port), per
// spec.md §3 ("same home" iff host and port match).
func (d Descriptor) SameHomeAs(other Descriptor) bool {
	return d.Host == other.Host && d.Port == other.Port
}

// Addr renders the descriptor's reachable address as "host:port".
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Multiaddr renders the descriptor's address as a libp2p TCP multiaddr,
// used to dial the peer's RPC stream (SPEC_FULL.md §4.2).
func (d Descriptor) Multiaddr() (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", d.Host, d.Port))
}

// IsZero reports whether d is the zero-value descriptor (no id, no
// address) — used to distinguish "no descriptor" from a real node without
// an extra pointer/bool in hot paths.
func (d Descriptor) IsZero() bool {
	return d.ID.IsZero() && d.Host == "" && d.Port == 0
}

// ByDistance orders a slice of descriptors by XOR distance to a fixed
// target, closest first. Ties break by the order the descriptors already
// occupy in the slice (a stable sort), matching the crawler's "contact
// order is entry order" tie-break (spec.md §4.6).
type ByDistance struct {
	Target Descriptor
	Nodes  []Descriptor
}

func (b ByDistance) Len() int      { return len(b.Nodes) }
func (b ByDistance) Swap(i, j int) { b.Nodes[i], b.Nodes[j] = b.Nodes[j], b.Nodes[i] }
func (b ByDistance) Less(i, j int) bool {
	return identifier.Less(b.Target.ID, b.Nodes[i].ID, b.Nodes[j].ID)
}
