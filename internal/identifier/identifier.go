// Package identifier implements the 160-bit id space and XOR distance
// metric the DHT is built on (spec.md §3, §4.1).
package identifier

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// Size is the width of the identifier space in bytes (160 bits).
const Size = sha1.Size

// ID is an opaque 160-bit identifier: a key, a chunk hash, or a node id.
type ID [Size]byte

// Digest deterministically hashes bytes into the identifier space with
// SHA-1, per spec.md §4.1.
func Digest(b []byte) ID {
	return ID(sha1.Sum(b))
}

// DigestString hashes the UTF-8 encoding of s.
func DigestString(s string) ID {
	return Digest([]byte(s))
}

// Int returns the big-endian unsigned integer view of the id, used for XOR
// distance arithmetic and bucket splitting.
func (id ID) Int() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// String renders the id as lowercase hex, for logs and filenames-adjacent
// debugging (on-disk filenames are URL-safe base64, see internal/store).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// FromHex parses the hex encoding produced by String back into an ID.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	if len(b) != Size {
		return ID{}, fmt.Errorf("identifier: expected %d bytes, got %d", Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Multihash renders id as a self-describing SHA-1 multihash, for
// interop/logging only — never used for distance or routing (SPEC_FULL.md
// §4.1).
func (id ID) Multihash() (multihash.Multihash, error) {
	return multihash.Sum(id[:], multihash.SHA1, Size)
}

// CID renders id as a raw-codec CID built from its multihash, for
// human-readable content-addressing in log lines and CLI output.
func (id ID) CID() (cid.Cid, error) {
	mh, err := id.Multihash()
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ShortID renders id as base58, the same alphabet libp2p uses for peer
// IDs, for a terser operator-facing id than the hex form String returns.
func (id ID) ShortID() string {
	return base58.Encode(id[:])
}

// Distance returns the XOR distance between a and b as a 160-bit unsigned
// integer. The metric is reflexive, symmetric, and satisfies the triangle
// inequality (invariant I2).
func Distance(a, b ID) *big.Int {
	var x ID
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return x.Int()
}

// Less reports whether a is strictly closer to target than b is. No
// tie-break is applied: two distinct ids are never equidistant from the
// same target under XOR, so equal distances only occur when a == b, and
// Less then reports false.
func Less(target, a, b ID) bool {
	da := Distance(target, a)
	db := Distance(target, b)
	return da.Cmp(db) < 0
}

// SharedPrefixLen returns the length, in bits, of the longest common
// prefix between a and b — used for bucket-depth split decisions
// (spec.md §4.1, §4.4).
func SharedPrefixLen(a, b ID) int {
	for i := 0; i < Size; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		// Count leading zero bits within this differing byte.
		n := 0
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				break
			}
			n++
		}
		return i*8 + n
	}
	return Size * 8
}
