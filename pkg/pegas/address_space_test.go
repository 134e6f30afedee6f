//go:build unix

package pegas

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/regionfile"
)

func TestAccountsScenario(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "accounts.dat", regionfile.CreateOptions{Size: 4096})

	r, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), r.Len())
	require.Equal(t, KindDirectRelocatable, r.Mode())
	require.Equal(t, RegionID(rf.ID()), r.ID())

	a := r.Base() + 100
	region, off, err := as.Rtrans(a)
	require.NoError(t, err)
	require.Equal(t, Mapping(r), region)
	require.Equal(t, LinearAddr(100), off)

	require.NoError(t, as.Unmap(r))
	require.False(t, r.Live())

	_, _, err = as.Rtrans(a)
	require.ErrorIs(t, err, errcode.NotMapped)
	_, ok := as.Region(r.ID())
	require.False(t, ok)
}

func TestMapSameFileTwice(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "twice.dat", regionfile.CreateOptions{Size: 4096})

	first, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	second, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)

	require.NotEqual(t, first.Base(), second.Base())
	require.Greater(t, second.Seq(), first.Seq())

	got, ok := as.Region(first.ID())
	require.True(t, ok)
	require.Equal(t, Mapping(second), got, "lookup returns the most recently mapped region")
	require.Equal(t, []Mapping{first, second}, as.Regions(first.ID()))

	entries := as.MM().index.entries()
	require.Len(t, entries, 2)
	require.LessOrEqual(t, entries[0].end, entries[1].base)

	require.NoError(t, as.Unmap(second))
	got, ok = as.Region(first.ID())
	require.True(t, ok)
	require.Equal(t, Mapping(first), got)
}

func TestRoundTripAddressing(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "round.dat", regionfile.CreateOptions{Size: 3*pageSize() + 17})

	r, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)

	for o := LinearAddr(0); uint64(o) < r.Len(); o++ {
		region, off, err := as.Rtrans(r.Addr(o))
		if err != nil || region != Mapping(r) || off != o {
			t.Fatalf("offset %d: got (%v, %d, %v)", o, region, off, err)
		}
	}

	_, _, err = as.Rtrans(r.Addr(LinearAddr(r.Len())))
	require.ErrorIs(t, err, errcode.NotMapped, "one past the end belongs to nobody")
	_, _, err = as.Rtrans(r.Base() - 1)
	require.ErrorIs(t, err, errcode.NotMapped)
}

func TestRegionsAreDisjoint(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())

	var regions []*Region[DirectRelocatable]
	for i := 0; i < 8; i++ {
		rf := createRegionFile(t, fmt.Sprintf("r%d.dat", i), regionfile.CreateOptions{Size: uint64(i+1) * 1000})
		r, err := Map[DirectRelocatable](as, rf)
		require.NoError(t, err)
		regions = append(regions, r)
	}

	for i, a := range regions {
		for j, b := range regions {
			if i == j {
				continue
			}
			disjoint := a.Base()+uintptr(a.Len()) <= b.Base() || b.Base()+uintptr(b.Len()) <= a.Base()
			require.True(t, disjoint, "%s overlaps %s", a, b)
		}
	}
	require.Equal(t, 8, as.Len())
	require.Equal(t, 8, as.MM().Len())
}

func TestRtransOrdinaryAddresses(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "heap.dat", regionfile.CreateOptions{Size: 4096})
	_, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)

	heap := new(int64)
	var stack [16]byte
	for _, addr := range []uintptr{0, uintptr(unsafe.Pointer(heap)), uintptr(unsafe.Pointer(&stack[0])), ^uintptr(0)} {
		_, _, err := as.Rtrans(addr)
		require.Equal(t, errcode.NotMapped, errcode.Of(err), "addr 0x%x", addr)
	}
}

func TestUnmapErrors(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	other := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "u.dat", regionfile.CreateOptions{Size: 4096})

	r, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	foreign, err := Map[DirectRelocatable](other, rf)
	require.NoError(t, err)

	require.ErrorIs(t, as.Unmap(foreign), errcode.NotMapped)
	require.ErrorIs(t, as.Unmap(nil), errcode.NotMapped)
	require.Equal(t, 1, as.Len())

	require.NoError(t, as.Unmap(r))
	require.ErrorIs(t, as.Unmap(r), errcode.NotMapped)
	require.Equal(t, 0, as.Len())
	require.Equal(t, 1, other.Len())
}

func TestInitLifecycle(t *testing.T) {
	rf := createRegionFile(t, "init.dat", regionfile.CreateOptions{Size: 4096})

	t.Run("BeforeInit", func(t *testing.T) {
		as := NewAddressSpace(DefaultOptions())
		_, err := Map[DirectRelocatable](as, rf)
		require.ErrorIs(t, err, errcode.NotInitialized)
		_, _, err = as.Rtrans(0x1000)
		require.ErrorIs(t, err, errcode.NotInitialized)
		require.ErrorIs(t, as.Unmap(&Region[DirectRelocatable]{}), errcode.NotInitialized)
		_, ok := as.Region(RegionID(rf.ID()))
		require.False(t, ok)
	})

	t.Run("Twice", func(t *testing.T) {
		as := newTestSpace(t, DefaultOptions())
		require.ErrorIs(t, as.Init(), errcode.AlreadyInitialized)
	})

	t.Run("Failed", func(t *testing.T) {
		opts := DefaultOptions()
		opts.SegmentSize = 3000
		as := NewAddressSpace(opts)
		require.ErrorIs(t, as.Init(), errcode.InitFailed)
		require.ErrorIs(t, as.Init(), errcode.InitFailed)

		_, err := Map[DirectRelocatable](as, rf)
		require.ErrorIs(t, err, errcode.InitFailed)
		_, _, err = as.Rtrans(0x1000)
		require.ErrorIs(t, err, errcode.InitFailed)
		require.NoError(t, as.Close())
	})
}

func TestCloseUnmapsEverything(t *testing.T) {
	as := NewAddressSpace(DefaultOptions())
	require.NoError(t, as.Init())

	var addrs []uintptr
	for i := 0; i < 3; i++ {
		rf := createRegionFile(t, fmt.Sprintf("c%d.dat", i), regionfile.CreateOptions{Size: 4096})
		r, err := Map[DirectRelocatable](as, rf)
		require.NoError(t, err)
		addrs = append(addrs, r.Addr(10))
	}

	require.NoError(t, as.Close())
	require.NoError(t, as.Close())
	require.Equal(t, 0, as.Len())
	require.Equal(t, 0, as.MM().Len())

	_, _, err := as.Rtrans(addrs[0])
	require.ErrorIs(t, err, errcode.NotInitialized)

	rf := createRegionFile(t, "late.dat", regionfile.CreateOptions{Size: 4096})
	_, err = Map[DirectRelocatable](as, rf)
	require.ErrorIs(t, err, errcode.NotInitialized)
}

func TestCloseReportsRegionMissingFromIndex(t *testing.T) {
	as := NewAddressSpace(DefaultOptions())
	require.NoError(t, as.Init())

	kept, err := Map[DirectRelocatable](as, createRegionFile(t, "kept.dat", regionfile.CreateOptions{Size: 4096}))
	require.NoError(t, err)
	gone, err := Map[DirectRelocatable](as, createRegionFile(t, "gone.dat", regionfile.CreateOptions{Size: 4096}))
	require.NoError(t, err)

	// Unmapped behind the registry's back: the index no longer has it and
	// its range is already released.
	require.NoError(t, as.MM().UnmapRegion(gone))

	err = as.Close()
	require.ErrorIs(t, err, errcode.NotMapped)
	require.Contains(t, err.Error(), gone.ID().String())
	require.False(t, kept.Live())
	require.Equal(t, 0, as.Len())
	require.Equal(t, 0, as.MM().Len())
}

func TestMapRejectsClosedFile(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "closed.dat", regionfile.CreateOptions{Size: 4096})
	require.NoError(t, rf.Close())

	_, err := Map[DirectRelocatable](as, rf)
	require.ErrorIs(t, err, errcode.InvalidRegionFile)
	_, err = Map[DirectRelocatable](as, nil)
	require.ErrorIs(t, err, errcode.InvalidRegionFile)
	require.Equal(t, 0, as.Len())
}

func TestNoLeakOnFailure(t *testing.T) {
	page := pageSize()
	opts := DefaultOptions()
	opts.ArenaSize = 4 * page
	opts.SegmentSize = page
	as := newTestSpace(t, opts)
	arena := as.MM().Arena()
	require.NotNil(t, arena)

	// Needs five segments, the arena holds four: fails after mapping four.
	big := createRegionFile(t, "big.dat", regionfile.CreateOptions{Size: 5 * page})
	_, err := Map[MultiSegment](as, big)
	require.ErrorIs(t, err, errcode.OutOfAddressSpace)
	require.Equal(t, uintptr(0), arena.InUse())
	require.Equal(t, 1, arena.FreeSpans())

	// Too large for the arena as one range.
	_, err = Map[DirectRelocatable](as, big)
	require.ErrorIs(t, err, errcode.OutOfAddressSpace)
	require.Equal(t, uintptr(0), arena.InUse())

	// Wrong mode for the file.
	_, err = Map[DirectFixed](as, big)
	require.ErrorIs(t, err, errcode.InvalidMappingMode)

	require.Equal(t, 0, as.Len())
	require.Equal(t, 0, as.MM().Len())

	// The whole arena is still available.
	full := createRegionFile(t, "full.dat", regionfile.CreateOptions{Size: 4 * page})
	r, err := Map[DirectRelocatable](as, full)
	require.NoError(t, err)
	require.Equal(t, arena.Base(), r.Base())
}

func TestArenaReuseAfterUnmap(t *testing.T) {
	page := pageSize()
	opts := DefaultOptions()
	opts.ArenaSize = 2 * page
	as := newTestSpace(t, opts)

	a := createRegionFile(t, "a.dat", regionfile.CreateOptions{Size: page})
	b := createRegionFile(t, "b.dat", regionfile.CreateOptions{Size: page})
	c := createRegionFile(t, "c.dat", regionfile.CreateOptions{Size: page})

	ra, err := Map[DirectRelocatable](as, a)
	require.NoError(t, err)
	_, err = Map[DirectRelocatable](as, b)
	require.NoError(t, err)

	_, err = Map[DirectRelocatable](as, c)
	require.ErrorIs(t, err, errcode.OutOfAddressSpace)

	base := ra.Base()
	require.NoError(t, as.Unmap(ra))
	rc, err := Map[DirectRelocatable](as, c)
	require.NoError(t, err)
	require.Equal(t, base, rc.Base())

	got, off, err := as.Rtrans(base + 5)
	require.NoError(t, err)
	require.Equal(t, Mapping(rc), got)
	require.Equal(t, LinearAddr(5), off)
}

func TestRelocatability(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "reloc.dat", regionfile.CreateOptions{Size: 4096})

	r1, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	r2, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)

	const o = LinearAddr(100)
	require.NotEqual(t, r1.Addr(o), r2.Addr(o))

	_, off1, err := as.Rtrans(r1.Addr(o))
	require.NoError(t, err)
	_, off2, err := as.Rtrans(r2.Addr(o))
	require.NoError(t, err)
	require.Equal(t, off1, off2)

	// Both mappings share the file, so a store through one is visible through the other.
	*(*uint64)(r1.Pointer(o)) = 0xfeedface
	require.Equal(t, uint64(0xfeedface), *(*uint64)(r2.Pointer(o)))
}

func TestStoresReachRegionFile(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())
	rf := createRegionFile(t, "durable.dat", regionfile.CreateOptions{Size: 4096})

	r, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	copy(r.Bytes()[200:], "persistent")
	require.NoError(t, r.Sync())

	buf := make([]byte, 10)
	_, err = rf.ReadAt(buf, 200)
	require.NoError(t, err)
	require.Equal(t, "persistent", string(buf))

	require.NoError(t, as.Unmap(r))
	require.ErrorIs(t, r.Sync(), errcode.NotMapped)

	// Recovery is mapping the file again.
	again, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	require.Equal(t, "persistent", string(again.Bytes()[200:210]))
}

func TestReadOnlyMapping(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ro.dat"
	rf, err := regionfile.Create(path, regionfile.CreateOptions{Size: 4096})
	require.NoError(t, err)
	_, err = rf.WriteAt([]byte("frozen"), 0)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	ro, err := regionfile.Open(path, regionfile.OpenOptions{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	as := newTestSpace(t, DefaultOptions())
	r, err := Map[DirectRelocatable](as, ro)
	require.NoError(t, err)
	require.Equal(t, "frozen", string(r.Bytes()[:6]))
	require.NoError(t, as.Unmap(r))
}

func TestRegionOfSelectsByMode(t *testing.T) {
	opts := DefaultOptions()
	opts.SegmentSize = pageSize()
	as := newTestSpace(t, opts)
	rf := createRegionFile(t, "modes.dat", regionfile.CreateOptions{Size: 3 * pageSize()})

	reloc, err := Map[DirectRelocatable](as, rf)
	require.NoError(t, err)
	multi, err := Map[MultiSegment](as, rf)
	require.NoError(t, err)

	r, ok := RegionOf[DirectRelocatable](as, RegionID(rf.ID()))
	require.True(t, ok)
	require.Same(t, reloc, r)

	m, ok := RegionOf[MultiSegment](as, RegionID(rf.ID()))
	require.True(t, ok)
	require.Same(t, multi, m)

	_, ok = RegionOf[DirectFixed](as, RegionID(rf.ID()))
	require.False(t, ok)

	latest, ok := as.Region(RegionID(rf.ID()))
	require.True(t, ok)
	require.Equal(t, KindMultiSegment, latest.Mode())
}

func TestConcurrentMapRtransUnmap(t *testing.T) {
	as := newTestSpace(t, DefaultOptions())

	const workers = 8
	const rounds = 25
	files := make([]*regionfile.File, workers)
	for i := range files {
		files[i] = createRegionFile(t, fmt.Sprintf("w%d.dat", i), regionfile.CreateOptions{Size: 8192})
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(rf *regionfile.File) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				r, err := Map[DirectRelocatable](as, rf)
				if err != nil {
					errs <- err
					return
				}
				o := LinearAddr(j * 37)
				got, off, err := as.Rtrans(r.Addr(o))
				if err != nil || got != Mapping(r) || off != o {
					errs <- fmt.Errorf("rtrans of %s+%d: got (%v, %d, %v)", r, o, got, off, err)
					return
				}
				if err := as.Unmap(r); err != nil {
					errs <- err
					return
				}
			}
		}(files[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.Equal(t, 0, as.Len())
	require.Equal(t, 0, as.MM().Len())
}
