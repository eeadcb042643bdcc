package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBootstrapperRejoinReturnsFalseOnTimeout(t *testing.T) {
	b := Bootstrapper{SelfAddr: "127.0.0.1:0", Timeout: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, found := b.Rejoin(ctx)
	require.False(t, found)
}

func TestBootstrapperDefaultsTimeoutWhenUnset(t *testing.T) {
	b := Bootstrapper{SelfAddr: "127.0.0.1:0"}
	require.Equal(t, time.Duration(0), b.Timeout)
	require.Equal(t, 5*time.Second, defaultRejoinTimeout)
}
