//go:build unix

package mmap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize returns the granularity of every mapping made by this package.
func PageSize() int {
	return unix.Getpagesize()
}

// Reserve claims length bytes of address space without access rights and
// without committing memory. The kernel picks the address.
func Reserve(length uintptr) (unsafe.Pointer, error) {
	return unix.MmapPtr(-1, 0, nil, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// Rereserve replaces whatever is mapped at [addr, addr+length) with an
// inaccessible reservation, keeping the range claimed.
func Rereserve(addr unsafe.Pointer, length uintptr) error {
	_, err := unix.MmapPtr(-1, 0, addr, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	return err
}

// MapFileAt maps length bytes of fd, starting at the page-aligned file
// offset off, over a range previously claimed with Reserve or an Arena.
// MAP_SHARED carries stores through to the file.
func MapFileAt(fd uintptr, off int64, addr unsafe.Pointer, length uintptr, writable bool) error {
	ret, err := unix.MmapPtr(int(fd), off, addr, length, protFor(writable), unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return err
	}
	if ret != addr {
		// MAP_FIXED never relocates; treat anything else as a broken kernel contract.
		_ = unix.MunmapPtr(ret, length)
		return ErrAddressInUse
	}
	return nil
}

// MapFileHint maps fd at exactly hint or not at all. Existing mappings are
// never replaced: if the kernel chooses another address the mapping is
// dropped and ErrAddressInUse is returned.
func MapFileHint(fd uintptr, off int64, hint unsafe.Pointer, length uintptr, writable bool) (unsafe.Pointer, error) {
	ret, err := unix.MmapPtr(int(fd), off, hint, length, protFor(writable), unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	if ret != hint {
		_ = unix.MunmapPtr(ret, length)
		return nil, ErrAddressInUse
	}
	return ret, nil
}

// Unmap releases [addr, addr+length) back to the kernel.
func Unmap(addr unsafe.Pointer, length uintptr) error {
	return unix.MunmapPtr(addr, length)
}

// Sync flushes dirty pages of a shared file mapping to the backing file.
func Sync(addr unsafe.Pointer, length uintptr) error {
	return unix.Msync(unsafe.Slice((*byte)(addr), length), unix.MS_SYNC)
}

func protFor(writable bool) int {
	if writable {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}
