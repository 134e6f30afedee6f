//go:build unix

package pegas

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/regionfile"
)

func TestMemoryManagerStandalone(t *testing.T) {
	mm := NewMemoryManager(DefaultOptions())

	rf := createRegionFile(t, "mm.dat", regionfile.CreateOptions{Size: 4096})
	_, err := MapRegion[DirectRelocatable](mm, rf)
	require.ErrorIs(t, err, errcode.NotInitialized)

	require.NoError(t, mm.Init())
	require.ErrorIs(t, mm.Init(), errcode.AlreadyInitialized)
	defer mm.Close()

	r, err := MapRegion[DirectRelocatable](mm, rf)
	require.NoError(t, err)
	require.True(t, r.Live())
	require.Equal(t, 1, mm.Len())

	got, off, err := mm.Rtrans(r.Addr(4095))
	require.NoError(t, err)
	require.Equal(t, Mapping(r), got)
	require.Equal(t, LinearAddr(4095), off)

	require.NoError(t, mm.UnmapRegion(r))
	require.Equal(t, 0, mm.Len())
	require.ErrorIs(t, mm.UnmapRegion(r), errcode.NotMapped)
	require.ErrorIs(t, mm.UnmapRegion(nil), errcode.NotMapped)

	_, _, err = mm.Rtrans(r.Addr(0))
	require.ErrorIs(t, err, errcode.NotMapped)
}

func TestIndexEntriesMatchRegions(t *testing.T) {
	opts := DefaultOptions()
	opts.SegmentSize = pageSize()
	as := newTestSpace(t, opts)

	a := createRegionFile(t, "a.dat", regionfile.CreateOptions{Size: 100})
	b := createRegionFile(t, "b.dat", regionfile.CreateOptions{Size: 2*pageSize() + 1})

	ra, err := Map[DirectRelocatable](as, a)
	require.NoError(t, err)
	rb, err := Map[MultiSegment](as, b)
	require.NoError(t, err)

	var forA, forB int
	for _, e := range as.MM().index.entries() {
		switch e.region {
		case Mapping(ra):
			forA++
			require.Equal(t, ra.Base(), e.base)
			require.Equal(t, ra.Base()+100, e.end)
		case Mapping(rb):
			forB++
			off, ok := rb.Offset(e.base)
			require.True(t, ok)
			require.Equal(t, off, e.off)
			require.Equal(t, e.base, rb.Addr(e.off))
		default:
			t.Fatalf("stray index entry for %v", e.region)
		}
	}
	require.Equal(t, 1, forA)
	require.Equal(t, 3, forB)

	// Addresses in the last segment translate through its entry alone.
	last := LinearAddr(2 * pageSize())
	got, off, err := as.MM().Rtrans(rb.Addr(last))
	require.NoError(t, err)
	require.Equal(t, Mapping(rb), got)
	require.Equal(t, last, off)
}

func TestInitReservesArena(t *testing.T) {
	opts := DefaultOptions()
	opts.ArenaSize = 16 * pageSize()
	mm := NewMemoryManager(opts)
	require.Nil(t, mm.Arena())
	require.NoError(t, mm.Init())
	require.NotNil(t, mm.Arena())
	require.Equal(t, uintptr(opts.ArenaSize), mm.Arena().Size())
	require.NoError(t, mm.Close())
}

func TestInitRejectsUnalignedArena(t *testing.T) {
	opts := DefaultOptions()
	opts.ArenaSize = pageSize() + 1
	mm := NewMemoryManager(opts)
	require.ErrorIs(t, mm.Init(), errcode.InitFailed)
}
