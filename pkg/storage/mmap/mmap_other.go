//go:build !unix

package mmap

import (
	"errors"
	"os"
	"unsafe"
)

// ErrUnsupported is returned by every mapping call on platforms without
// POSIX mmap semantics.
var ErrUnsupported = errors.New("mmap: fixed-address file mapping is not supported on this platform")

func PageSize() int { return os.Getpagesize() }

func Reserve(length uintptr) (unsafe.Pointer, error) { return nil, ErrUnsupported }

func Rereserve(addr unsafe.Pointer, length uintptr) error { return ErrUnsupported }

func MapFileAt(fd uintptr, off int64, addr unsafe.Pointer, length uintptr, writable bool) error {
	return ErrUnsupported
}

func MapFileHint(fd uintptr, off int64, hint unsafe.Pointer, length uintptr, writable bool) (unsafe.Pointer, error) {
	return nil, ErrUnsupported
}

func Unmap(addr unsafe.Pointer, length uintptr) error { return ErrUnsupported }

func Sync(addr unsafe.Pointer, length uintptr) error { return ErrUnsupported }
