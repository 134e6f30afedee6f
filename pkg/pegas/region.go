package pegas

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/regionfile"
	"github.com/sanonone/pegas/pkg/storage/mmap"
)

// Mapping is the mode-independent view of a live region. It is what the
// registry stores and what reverse translation returns; callers that know
// the mode can type-assert it to *Region[M].
type Mapping interface {
	ID() RegionID
	Base() uintptr
	Len() uint64
	Mode() ModeKind
	File() *regionfile.File
	Seq() uint64
	Contains(vaddr uintptr) bool
	Offset(vaddr uintptr) (LinearAddr, bool)
	Segments() [][]byte
	Sync() error

	state() *regionState
}

// regionState is the mode-independent part of a Region.
type regionState struct {
	id     RegionID
	file   *regionfile.File
	seq    uint64
	live   atomic.Bool
	layout layout
}

// Region is one live binding of a region file under mapping mode M.
type Region[M Mode] struct {
	regionState
}

// ID returns the identifier of the bound region file.
func (r *Region[M]) ID() RegionID { return r.id }

// Base returns the address of offset 0.
func (r *Region[M]) Base() uintptr { return r.layout.base() }

// Len returns the region length in bytes.
func (r *Region[M]) Len() uint64 { return r.layout.length }

// Mode returns the mapping mode the region was created under.
func (r *Region[M]) Mode() ModeKind {
	var m M
	return m.Kind()
}

// File returns the backing region file.
func (r *Region[M]) File() *regionfile.File { return r.file }

// Seq orders regions of one memory manager by the time they were published.
func (r *Region[M]) Seq() uint64 { return r.seq }

// Live reports whether the region is still mapped.
func (r *Region[M]) Live() bool { return r.live.Load() }

// Pointer returns the address of offset off. off must be below Len.
func (r *Region[M]) Pointer(off LinearAddr) unsafe.Pointer {
	var m M
	return m.pointer(&r.layout, off)
}

// Addr is Pointer as an integer address.
func (r *Region[M]) Addr(off LinearAddr) uintptr {
	var m M
	return uintptr(m.pointer(&r.layout, off))
}

// Offset reverse-translates an address inside the region.
func (r *Region[M]) Offset(vaddr uintptr) (LinearAddr, bool) {
	var m M
	return m.reverse(&r.layout, vaddr)
}

// Contains reports whether vaddr falls inside the region.
func (r *Region[M]) Contains(vaddr uintptr) bool {
	_, ok := r.Offset(vaddr)
	return ok
}

// Bytes returns the region's data as one slice, or nil when the region is
// spread across several segments.
func (r *Region[M]) Bytes() []byte {
	if len(r.layout.segs) != 1 {
		return nil
	}
	return unsafe.Slice((*byte)(r.layout.ptr), r.layout.length)
}

// Segments returns one slice per mapped segment, in offset order.
func (r *Region[M]) Segments() [][]byte {
	out := make([][]byte, len(r.layout.segs))
	for i, s := range r.layout.segs {
		out[i] = unsafe.Slice((*byte)(s.ptr), s.len)
	}
	return out
}

// Sync flushes stores made through the mapping to the region file.
func (r *Region[M]) Sync() error {
	if !r.live.Load() {
		return fmt.Errorf("%w: region %s", errcode.NotMapped, r.id)
	}
	for _, s := range r.layout.segs {
		if err := mmap.Sync(s.ptr, s.span); err != nil {
			return fmt.Errorf("%w: msync region %s: %w", errcode.IOError, r.id, err)
		}
	}
	return nil
}

func (r *Region[M]) String() string {
	return fmt.Sprintf("%s[%s 0x%x+%d]", r.Mode(), r.id, r.Base(), r.Len())
}

func (r *Region[M]) state() *regionState { return &r.regionState }
