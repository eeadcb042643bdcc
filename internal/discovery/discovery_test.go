package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := encode("192.168.1.5", 8086)
	ann, ok := decode(msg)
	require.True(t, ok)
	require.Equal(t, "192.168.1.5", ann.Host)
	require.Equal(t, 8086, ann.Port)
}

func TestDecodeRejectsWrongPrefix(t *testing.T) {
	_, ok := decode([]byte("nope 192.168.1.5 8086"))
	require.False(t, ok)
}

func TestDecodeRejectsMalformedPort(t *testing.T) {
	_, ok := decode([]byte("dfs 192.168.1.5 not-a-port"))
	require.False(t, ok)
}

func TestDecodeRejectsWrongFieldCount(t *testing.T) {
	_, ok := decode([]byte("dfs 192.168.1.5"))
	require.False(t, ok)
}

func TestAnnouncementStringFormatsHostPort(t *testing.T) {
	ann := Announcement{Host: "10.0.0.1", Port: 9000}
	require.Equal(t, "10.0.0.1:9000", ann.String())
}

func TestListenTimesOutWithNoAnnouncer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, found := Listen(ctx, "127.0.0.1:0", 200*time.Millisecond, nil)
	require.False(t, found)
}

func TestMinDuration(t *testing.T) {
	require.Equal(t, time.Second, minDuration(time.Second, 2*time.Second))
	require.Equal(t, time.Second, minDuration(2*time.Second, time.Second))
}
