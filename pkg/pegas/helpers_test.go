//go:build unix

package pegas

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sanonone/pegas/pkg/regionfile"
	"github.com/sanonone/pegas/pkg/storage/mmap"
)

func newTestSpace(t *testing.T, opts Options) *AddressSpace {
	t.Helper()
	as := NewAddressSpace(opts)
	require.NoError(t, as.Init())
	t.Cleanup(func() { as.Close() })
	return as
}

func createRegionFile(t *testing.T, name string, opts regionfile.CreateOptions) *regionfile.File {
	t.Helper()
	rf, err := regionfile.Create(filepath.Join(t.TempDir(), name), opts)
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf
}

// freeAddress returns the base of a range that was free a moment ago.
func freeAddress(t *testing.T, length uintptr) uintptr {
	t.Helper()
	p, err := mmap.Reserve(length)
	require.NoError(t, err)
	require.NoError(t, mmap.Unmap(p, length))
	return uintptr(p)
}

func pageSize() uint64 {
	return uint64(mmap.PageSize())
}
