//go:build linux

package netdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReceiveQueueIDs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"rx-10", "rx-2", "tx-0", "rx-0", "tx-1", "rx-1"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	ids, err := readReceiveQueueIDs(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 10}, ids)
}

func TestReadReceiveQueueIDsMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "rx-x"), 0o755))
	_, err := readReceiveQueueIDs(dir)
	require.ErrorContains(t, err, `parsing entry "rx-x"`)

	_, err = readReceiveQueueIDs(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestChannelsQueueCount(t *testing.T) {
	assert.Equal(t, uint32(8), Channels{Combined: 8}.QueueCount())
	assert.Equal(t, uint32(4), Channels{Receive: 4, Transmit: 2}.QueueCount())
	assert.Equal(t, uint32(6), Channels{Receive: 2, Combined: 4}.QueueCount())
	assert.Zero(t, Channels{}.QueueCount())
}
