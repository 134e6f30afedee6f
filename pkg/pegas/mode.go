package pegas

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/regionfile"
)

// ModeKind names a mapping mode at runtime, for logs, metrics and the
// type-erased Mapping view. Address computation never switches on it.
type ModeKind uint8

const (
	KindDirectRelocatable ModeKind = iota + 1
	KindDirectFixed
	KindMultiSegment
)

func (k ModeKind) String() string {
	switch k {
	case KindDirectRelocatable:
		return "direct_relocatable"
	case KindDirectFixed:
		return "direct_fixed"
	case KindMultiSegment:
		return "multi_segment"
	default:
		return fmt.Sprintf("mode(%d)", uint8(k))
	}
}

// Mode is a mapping-mode policy. It is used only as a type argument:
// Region[DirectRelocatable], Map[MultiSegment](as, rf) and so on. The set
// of modes is closed; the methods are unexported.
//
// A mode decides how a region file becomes live memory (place), how a
// LinearAddr becomes an address (pointer) and how an address inside the
// region becomes a LinearAddr again (reverse).
type Mode interface {
	Kind() ModeKind

	place(mm *MemoryManager, rf *regionfile.File) (layout, error)
	pointer(l *layout, off LinearAddr) unsafe.Pointer
	reverse(l *layout, vaddr uintptr) (LinearAddr, bool)
}

// Every mode has a distinct underlying type so that each instantiation of
// Region[M] gets its own compiled body instead of sharing a GC shape.

// DirectRelocatable maps the whole region as one contiguous range at a
// base chosen by the memory manager. Data inside the region must refer to
// other data by LinearAddr, never by absolute address, because the base
// differs from one mapping to the next.
type DirectRelocatable struct{ _ [0]uint8 }

// DirectFixed maps the whole region at the fixed base recorded in the
// region file header, so the same address is valid on every run. Mapping
// fails if that range is occupied.
type DirectFixed struct{ _ [0]uint16 }

// MultiSegment splits the region into SegmentSize chunks mapped
// independently and translates through a segment base table. Large
// regions don't need one contiguous free range.
type MultiSegment struct{ _ [0]uint32 }

// segment is one live mapping backing part of a region.
type segment struct {
	ptr   unsafe.Pointer
	off   LinearAddr // first region offset covered by this segment
	len   uint64     // data bytes covered
	span  uintptr    // page-rounded length of the mapping
	arena bool       // carved from the memory manager's arena
}

func (s *segment) base() uintptr { return uintptr(s.ptr) }

// layout is the placement of a region in virtual memory.
type layout struct {
	ptr    unsafe.Pointer // base of the first segment
	length uint64
	segs   []segment

	// base table for MultiSegment
	shift uint
	mask  uint64
	table []unsafe.Pointer
}

func (l *layout) base() uintptr { return uintptr(l.ptr) }

func (DirectRelocatable) Kind() ModeKind { return KindDirectRelocatable }

func (DirectRelocatable) place(mm *MemoryManager, rf *regionfile.File) (layout, error) {
	fd, err := rf.Fd()
	if err != nil {
		return layout{}, err
	}
	seg, err := mm.mapSegment(fd, rf.DataOffset(), 0, rf.Size(), mm.writable(rf))
	if err != nil {
		return layout{}, err
	}
	return layout{ptr: seg.ptr, length: rf.Size(), segs: []segment{seg}}, nil
}

func (DirectRelocatable) pointer(l *layout, off LinearAddr) unsafe.Pointer {
	return unsafe.Add(l.ptr, off)
}

func (DirectRelocatable) reverse(l *layout, vaddr uintptr) (LinearAddr, bool) {
	return contiguousReverse(l, vaddr)
}

func (DirectFixed) Kind() ModeKind { return KindDirectFixed }

func (DirectFixed) place(mm *MemoryManager, rf *regionfile.File) (layout, error) {
	base := rf.FixedBase()
	if base == 0 {
		return layout{}, fmt.Errorf("%w: %s has no fixed base", errcode.InvalidMappingMode, rf.Path())
	}
	if base%mm.page != 0 {
		return layout{}, fmt.Errorf("%w: %s fixed base 0x%x is not page aligned", errcode.InvalidMappingMode, rf.Path(), base)
	}
	if err := mm.checkFixed(RegionID(rf.ID()), base, rf.Size()); err != nil {
		return layout{}, err
	}
	fd, err := rf.Fd()
	if err != nil {
		return layout{}, err
	}
	seg, err := mm.mapFixedSegment(fd, rf.DataOffset(), base, rf.Size(), mm.writable(rf))
	if err != nil {
		return layout{}, err
	}
	return layout{ptr: seg.ptr, length: rf.Size(), segs: []segment{seg}}, nil
}

func (DirectFixed) pointer(l *layout, off LinearAddr) unsafe.Pointer {
	return unsafe.Add(l.ptr, off)
}

func (DirectFixed) reverse(l *layout, vaddr uintptr) (LinearAddr, bool) {
	return contiguousReverse(l, vaddr)
}

func contiguousReverse(l *layout, vaddr uintptr) (LinearAddr, bool) {
	base := l.base()
	if vaddr < base || uint64(vaddr-base) >= l.length {
		return 0, false
	}
	return LinearAddr(vaddr - base), true
}

func (MultiSegment) Kind() ModeKind { return KindMultiSegment }

func (MultiSegment) place(mm *MemoryManager, rf *regionfile.File) (layout, error) {
	fd, err := rf.Fd()
	if err != nil {
		return layout{}, err
	}
	segSize := mm.opts.SegmentSize
	size := rf.Size()
	writable := mm.writable(rf)

	l := layout{
		length: size,
		shift:  uint(bits.TrailingZeros64(segSize)),
		mask:   segSize - 1,
	}
	for off := uint64(0); off < size; off += segSize {
		n := min(segSize, size-off)
		seg, err := mm.mapSegment(fd, rf.DataOffset()+int64(off), LinearAddr(off), n, writable)
		if err != nil {
			for i := range l.segs {
				mm.releaseSegment(&l.segs[i])
			}
			return layout{}, err
		}
		l.segs = append(l.segs, seg)
		l.table = append(l.table, seg.ptr)
	}
	l.ptr = l.segs[0].ptr
	return l, nil
}

func (MultiSegment) pointer(l *layout, off LinearAddr) unsafe.Pointer {
	return unsafe.Add(l.table[uint64(off)>>l.shift], uint64(off)&l.mask)
}

func (MultiSegment) reverse(l *layout, vaddr uintptr) (LinearAddr, bool) {
	for i := range l.segs {
		s := &l.segs[i]
		if vaddr >= s.base() && uint64(vaddr-s.base()) < s.len {
			return s.off + LinearAddr(vaddr-s.base()), true
		}
	}
	return 0, false
}
