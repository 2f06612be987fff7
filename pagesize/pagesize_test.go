//go:build linux

package pagesize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReadHugePageSizes(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"hugepages-1048576kB", "hugepages-2048kB", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}

	sizes, err := readHugePageSizes(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2 << 20, 1 << 30}, sizes)
}

func TestReadHugePageSizesMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "hugepages-xkB"), 0o755))

	_, err := readHugePageSizes(dir)
	require.Error(t, err)
}

func TestHugePageMapFlags(t *testing.T) {
	s := Sizes{Default: 4096, Huge: []uint64{2 << 20, 1 << 30}}

	f, err := s.HugePageMapFlags(2 << 20)
	require.NoError(t, err)
	assert.Equal(t, unix.MAP_HUGETLB|unix.MAP_HUGE_2MB, f)

	f, err = s.HugePageMapFlags(1 << 30)
	require.NoError(t, err)
	assert.Equal(t, unix.MAP_HUGETLB|unix.MAP_HUGE_1GB, f)

	_, err = s.HugePageMapFlags(16 << 20)
	require.ErrorIs(t, err, ErrUnsupportedHugePageSize)
}

func TestDetect(t *testing.T) {
	s, err := Detect()
	require.NoError(t, err)
	assert.Equal(t, uint64(os.Getpagesize()), s.Default)
}
