package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateMintsAndPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.False(t, first.IsZero())

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadOrCreateDistinctDirsGetDistinctIDs(t *testing.T) {
	a, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	b, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
