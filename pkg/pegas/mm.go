package pegas

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/metrics"
	"github.com/sanonone/pegas/pkg/regionfile"
	"github.com/sanonone/pegas/pkg/storage/mmap"
)

var (
	rtransHit  = metrics.RtransTotal.WithLabelValues("hit")
	rtransMiss = metrics.RtransTotal.WithLabelValues("miss")
)

// MemoryManager performs every virtual-memory operation for regions and
// owns the reverse-translation index.
//
// Mapping is split in two steps: place does the system calls and touches
// no shared state, publish inserts the index entries. Unmapping is the
// reverse: withdraw, then release. AddressSpace relies on the split to
// update its registry and the index in one critical section.
type MemoryManager struct {
	opts        Options
	page        uintptr
	arena       *mmap.Arena
	initialized atomic.Bool

	mu    sync.RWMutex
	index *rtransIndex
	seq   uint64
}

// NewMemoryManager returns a memory manager that must be initialized
// before use.
func NewMemoryManager(opts Options) *MemoryManager {
	return &MemoryManager{
		opts:  opts,
		index: newRtransIndex(),
	}
}

// Init validates the options and reserves the arena when one is configured.
func (mm *MemoryManager) Init() error {
	if mm.initialized.Load() {
		return errcode.AlreadyInitialized
	}
	page := mmap.PageSize()
	if err := mm.opts.Validate(page); err != nil {
		return fmt.Errorf("%w: %w", errcode.InitFailed, err)
	}
	mm.page = uintptr(page)

	if mm.opts.ArenaSize > 0 {
		arena, err := mmap.NewArena(uintptr(mm.opts.ArenaSize))
		if err != nil {
			return fmt.Errorf("%w: %w", errcode.InitFailed, err)
		}
		mm.arena = arena
		slog.Info("[MM] Arena reserved", "base", fmt.Sprintf("0x%x", arena.Base()), "size", arena.Size())
	}

	mm.initialized.Store(true)
	return nil
}

// Arena returns the reserved arena, or nil when none is configured.
func (mm *MemoryManager) Arena() *mmap.Arena { return mm.arena }

// PageSize returns the page size discovered at Init.
func (mm *MemoryManager) PageSize() int { return int(mm.page) }

// MapRegion maps rf under mode M and makes it visible to Rtrans.
func MapRegion[M Mode](mm *MemoryManager, rf *regionfile.File) (*Region[M], error) {
	r, err := place[M](mm, rf)
	if err != nil {
		return nil, err
	}
	if err := mm.publish(r); err != nil {
		mm.release(r, false)
		return nil, err
	}
	return r, nil
}

// UnmapRegion removes r from the index and then releases its mappings.
func (mm *MemoryManager) UnmapRegion(r Mapping) error {
	if r == nil {
		return errcode.NotMapped
	}
	if err := mm.withdraw(r); err != nil {
		return err
	}
	return mm.release(r, mm.opts.SyncOnUnmap)
}

// Rtrans returns the region containing vaddr and the offset of vaddr in it.
func (mm *MemoryManager) Rtrans(vaddr uintptr) (Mapping, LinearAddr, error) {
	mm.mu.RLock()
	e, ok := mm.index.lookup(vaddr)
	mm.mu.RUnlock()

	if ok {
		rtransHit.Inc()
		return e.region, e.off + LinearAddr(vaddr-e.base), nil
	}
	rtransMiss.Inc()
	return nil, 0, fmt.Errorf("%w: address 0x%x", errcode.NotMapped, vaddr)
}

// Len returns the number of index entries.
func (mm *MemoryManager) Len() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.index.len()
}

// Close releases the arena. Regions still mapped inside it become invalid.
func (mm *MemoryManager) Close() error {
	if mm.arena == nil {
		return nil
	}
	return mm.arena.Close()
}

func place[M Mode](mm *MemoryManager, rf *regionfile.File) (*Region[M], error) {
	if !mm.initialized.Load() {
		return nil, errcode.NotInitialized
	}
	if rf == nil {
		return nil, fmt.Errorf("%w: nil region file", errcode.InvalidRegionFile)
	}
	var m M
	l, err := m.place(mm, rf)
	if err != nil {
		return nil, err
	}
	r := &Region[M]{}
	r.id = RegionID(rf.ID())
	r.file = rf
	r.layout = l
	return r, nil
}

func (mm *MemoryManager) writable(rf *regionfile.File) bool {
	return rf.Writable() && !mm.opts.ReadOnly
}

// mapSegment claims address space for length bytes and maps the file
// range starting at fileOff over it. Nothing is left claimed on failure.
func (mm *MemoryManager) mapSegment(fd uintptr, fileOff int64, off LinearAddr, length uint64, writable bool) (segment, error) {
	span := mmap.AlignUp(uintptr(length), mm.page)
	seg := segment{off: off, len: length, span: span}

	var err error
	if mm.arena != nil {
		seg.ptr, err = mm.arena.Alloc(span)
		seg.arena = true
	} else {
		seg.ptr, err = mmap.Reserve(span)
	}
	if err != nil {
		return segment{}, fmt.Errorf("%w: reserving %d bytes: %w", errcode.OutOfAddressSpace, span, err)
	}

	if err := mmap.MapFileAt(fd, fileOff, seg.ptr, span, writable); err != nil {
		mm.releaseSegment(&seg)
		return segment{}, fmt.Errorf("%w: mapping %d bytes at file offset %d: %w", errcode.IOError, span, fileOff, err)
	}
	return seg, nil
}

// mapFixedSegment maps the file range at exactly base.
func (mm *MemoryManager) mapFixedSegment(fd uintptr, fileOff int64, base uintptr, length uint64, writable bool) (segment, error) {
	span := mmap.AlignUp(uintptr(length), mm.page)
	ptr, err := mmap.MapFileHint(fd, fileOff, unsafe.Pointer(base), span, writable)
	if errors.Is(err, mmap.ErrAddressInUse) {
		return segment{}, fmt.Errorf("%w: fixed range 0x%x+%d is occupied", errcode.OutOfAddressSpace, base, span)
	}
	if err != nil {
		return segment{}, fmt.Errorf("%w: mapping %d bytes at 0x%x: %w", errcode.IOError, span, base, err)
	}
	return segment{ptr: ptr, len: length, span: span}, nil
}

// checkFixed rejects a fixed placement that collides with a live region.
func (mm *MemoryManager) checkFixed(id RegionID, base uintptr, length uint64) error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	e, ok := mm.index.overlaps(base, base+uintptr(length))
	if !ok {
		return nil
	}
	if e.region.ID() == id && e.base == base {
		return fmt.Errorf("%w: region %s is already bound at 0x%x", errcode.AlreadyMapped, id, base)
	}
	return fmt.Errorf("%w: fixed range 0x%x+%d overlaps region %s", errcode.OutOfAddressSpace, base, length, e.region.ID())
}

func (mm *MemoryManager) releaseSegment(s *segment) error {
	if s.arena {
		return mm.arena.Free(s.ptr, s.span)
	}
	return mmap.Unmap(s.ptr, s.span)
}

// publish inserts one index entry per segment of r.
func (mm *MemoryManager) publish(r Mapping) error {
	st := r.state()

	mm.mu.Lock()
	defer mm.mu.Unlock()

	for _, s := range st.layout.segs {
		if e, ok := mm.index.overlaps(s.base(), s.base()+uintptr(s.len)); ok {
			return fmt.Errorf("%w: 0x%x+%d overlaps region %s", errcode.OutOfAddressSpace, s.base(), s.len, e.region.ID())
		}
	}
	for _, s := range st.layout.segs {
		mm.index.insert(indexEntry{base: s.base(), end: s.base() + uintptr(s.len), off: s.off, region: r})
	}
	mm.seq++
	st.seq = mm.seq
	st.live.Store(true)
	return nil
}

// withdraw removes r's index entries. It fails with NotMapped when r is not
// in the index, which also covers double unmap.
func (mm *MemoryManager) withdraw(r Mapping) error {
	st := r.state()

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if len(st.layout.segs) == 0 {
		return fmt.Errorf("%w: region %s", errcode.NotMapped, r.ID())
	}
	first := st.layout.segs[0]
	if e, ok := mm.index.lookup(first.base()); !ok || e.region != r {
		return fmt.Errorf("%w: region %s", errcode.NotMapped, r.ID())
	}
	for _, s := range st.layout.segs {
		mm.index.remove(s.base())
	}
	st.live.Store(false)
	return nil
}

// release unmaps every segment of a region that is no longer in the index.
func (mm *MemoryManager) release(r Mapping, sync bool) error {
	st := r.state()
	var result *multierror.Error
	for i := range st.layout.segs {
		s := &st.layout.segs[i]
		if sync && st.file.Writable() && !mm.opts.ReadOnly {
			if err := mmap.Sync(s.ptr, s.span); err != nil {
				result = multierror.Append(result, fmt.Errorf("msync 0x%x: %w", s.base(), err))
			}
		}
		if err := mm.releaseSegment(s); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmap 0x%x: %w", s.base(), err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: releasing region %s: %w", errcode.IOError, r.ID(), err)
	}
	return nil
}
