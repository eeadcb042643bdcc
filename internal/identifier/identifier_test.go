package identifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestStringIsDeterministic(t *testing.T) {
	require.Equal(t, DigestString("file.txt"), DigestString("file.txt"))
	require.NotEqual(t, DigestString("file.txt"), DigestString("other.txt"))
}

func TestFromHexRoundTrip(t *testing.T) {
	id := DigestString("round-trip")
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestFromHexRejectsWrongLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	require.Error(t, err)
}

func TestIsZero(t *testing.T) {
	var zero ID
	require.True(t, zero.IsZero())
	require.False(t, DigestString("nonzero").IsZero())
}

func TestDistanceIsReflexiveAndSymmetric(t *testing.T) {
	a := DigestString("a")
	b := DigestString("b")
	require.Zero(t, Distance(a, a).Sign())
	require.Equal(t, Distance(a, b), Distance(b, a))
}

func TestLessOrdersByXORDistance(t *testing.T) {
	var target, near, far ID
	near[0] = 0x01
	far[0] = 0xff
	require.True(t, Less(target, near, far))
	require.False(t, Less(target, far, near))
}

func TestSharedPrefixLenOfIdenticalIDsIsFullWidth(t *testing.T) {
	id := DigestString("same")
	require.Equal(t, Size*8, SharedPrefixLen(id, id))
}

func TestSharedPrefixLenCountsLeadingZeroBits(t *testing.T) {
	var a, b ID
	a[0] = 0b11110000
	b[0] = 0b11100000
	require.Equal(t, 3, SharedPrefixLen(a, b))
}

func TestShortIDIsStableAndNonEmpty(t *testing.T) {
	id := DigestString("short")
	require.NotEmpty(t, id.ShortID())
	require.Equal(t, id.ShortID(), id.ShortID())
}

func TestCIDRoundTripsThroughMultihash(t *testing.T) {
	id := DigestString("cid-target")
	c, err := id.CID()
	require.NoError(t, err)
	require.True(t, c.Defined())
}
