// Package mmap wraps the virtual-memory primitives PEGAS is built on:
// address-space reservation, file mapping at a chosen address, unmapping
// and msync, plus an Arena that carves page-aligned ranges out of one
// large up-front reservation.
package mmap

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tidwall/btree"
)

var (
	// ErrAddressInUse means the requested address could not be used because
	// something else is mapped there.
	ErrAddressInUse = errors.New("mmap: address range already in use")
	// ErrArenaFull means no free span of the arena is large enough.
	ErrArenaFull = errors.New("mmap: arena exhausted")
	// ErrBadSpan means a range handed back to the arena was never carved from it.
	ErrBadSpan = errors.New("mmap: span does not belong to arena")
)

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// span is a free range of the arena, as an offset from the arena base.
type span struct {
	off uintptr
	len uintptr
}

func spanLess(a, b span) bool {
	return a.off < b.off
}

// Arena is one contiguous PROT_NONE reservation from which ranges are
// allocated first-fit. Freed ranges are re-reserved, not returned to the
// kernel, so nothing else in the process can land inside the arena.
type Arena struct {
	mu    sync.Mutex
	base  unsafe.Pointer
	size  uintptr
	page  uintptr
	free  *btree.BTreeG[span]
	inUse uintptr
}

// NewArena reserves size bytes, rounded up to the page size.
func NewArena(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmap: invalid arena size; size must be greater than 0")
	}
	page := uintptr(PageSize())
	size = AlignUp(size, page)

	base, err := Reserve(size)
	if err != nil {
		return nil, fmt.Errorf("mmap: failed to reserve %d byte arena: %w", size, err)
	}

	a := &Arena{
		base: base,
		size: size,
		page: page,
		free: btree.NewBTreeG[span](spanLess),
	}
	a.free.Set(span{off: 0, len: size})
	return a, nil
}

// Base returns the first address of the arena.
func (a *Arena) Base() uintptr { return uintptr(a.base) }

// Size returns the reserved size in bytes.
func (a *Arena) Size() uintptr { return a.size }

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Contains reports whether [addr, addr+length) lies inside the arena.
func (a *Arena) Contains(addr unsafe.Pointer, length uintptr) bool {
	lo := uintptr(a.base)
	p := uintptr(addr)
	return p >= lo && length <= a.size && p-lo <= a.size-length
}

// Alloc carves length bytes (rounded up to the page size) out of the
// lowest free span that fits. The returned range is still PROT_NONE.
func (a *Arena) Alloc(length uintptr) (unsafe.Pointer, error) {
	if length == 0 {
		return nil, fmt.Errorf("mmap: invalid allocation size 0")
	}
	length = AlignUp(length, a.page)

	a.mu.Lock()
	defer a.mu.Unlock()

	var hit span
	found := false
	a.free.Scan(func(s span) bool {
		if s.len >= length {
			hit, found = s, true
			return false
		}
		return true
	})
	if !found {
		return nil, ErrArenaFull
	}

	a.free.Delete(hit)
	if hit.len > length {
		a.free.Set(span{off: hit.off + length, len: hit.len - length})
	}
	a.inUse += length
	return unsafe.Add(a.base, hit.off), nil
}

// Free drops whatever is mapped over [addr, addr+length), restores the
// reservation and merges the range with its free neighbours.
func (a *Arena) Free(addr unsafe.Pointer, length uintptr) error {
	length = AlignUp(length, a.page)
	if !a.Contains(addr, length) || (uintptr(addr)-uintptr(a.base))%a.page != 0 {
		return ErrBadSpan
	}
	s := span{off: uintptr(addr) - uintptr(a.base), len: length}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev, next span
	var havePrev, haveNext bool
	a.free.Descend(s, func(p span) bool {
		prev, havePrev = p, true
		return false
	})
	a.free.Ascend(s, func(n span) bool {
		next, haveNext = n, true
		return false
	})
	if (havePrev && prev.off+prev.len > s.off) || (haveNext && s.off+s.len > next.off) {
		return ErrBadSpan
	}

	if err := Rereserve(addr, length); err != nil {
		return fmt.Errorf("mmap: failed to re-reserve arena span: %w", err)
	}

	if havePrev && prev.off+prev.len == s.off {
		a.free.Delete(prev)
		s = span{off: prev.off, len: prev.len + s.len}
	}
	if haveNext && s.off+s.len == next.off {
		a.free.Delete(next)
		s.len += next.len
	}
	a.free.Set(s)
	a.inUse -= length
	return nil
}

// FreeSpans returns the number of disjoint free spans.
func (a *Arena) FreeSpans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}

// Close releases the whole reservation. Any mapping still inside the
// arena is dropped with it.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.base == nil {
		return nil
	}
	err := Unmap(a.base, a.size)
	a.base = nil
	a.free.Clear()
	a.inUse = 0
	return err
}
