// Package regionfile implements the durable, fixed-size files that PEGAS
// binds into the address space.
//
// A region file is a HeaderSize metadata area followed by Size data bytes.
// Only the data area is ever mapped; the header carries the region's
// identity (a UUID), its size, an optional fixed base address and a
// checksum.
package regionfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/ncw/directio"

	"github.com/sanonone/pegas/pkg/errcode"
)

// ErrOutOfRange is returned by ReadAt and WriteAt for accesses past the data area.
var ErrOutOfRange = errors.New("regionfile: access outside data area")

// CreateOptions describes a new region file.
type CreateOptions struct {
	// Size of the data area in bytes. Must be greater than 0.
	Size uint64

	// Name stored in the header. Defaults to the file's base name,
	// truncated to MaxNameLen bytes.
	Name string

	// ID of the region. A random UUID is generated when zero.
	ID uuid.UUID

	// FixedBase is the page-aligned virtual address the region is bound at
	// under the direct fixed mapping mode. Zero leaves the file usable only
	// by relocatable modes.
	FixedBase uintptr

	// DirectIO writes the header block with O_DIRECT, bypassing the page
	// cache. Falls back to a buffered write plus fsync on filesystems that
	// reject O_DIRECT.
	DirectIO bool
}

// OpenOptions controls how an existing region file is opened.
type OpenOptions struct {
	// ReadOnly opens the file without write access; regions bound from it
	// are mapped read-only.
	ReadOnly bool
}

// File is an open region file.
type File struct {
	mu       sync.RWMutex
	path     string
	f        *os.File
	hdr      Header
	writable bool
	closed   bool
}

// Create makes a new region file at path. It fails if path exists.
func Create(path string, opts CreateOptions) (*File, error) {
	if opts.Size == 0 {
		return nil, fmt.Errorf("%w: %s: size must be greater than 0", errcode.InvalidRegionFile, path)
	}
	if opts.Size > MaxSize {
		return nil, fmt.Errorf("%w: %s: size %d exceeds %d", errcode.InvalidRegionFile, path, opts.Size, MaxSize)
	}
	if opts.FixedBase%uintptr(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("%w: %s: fixed base 0x%x is not page aligned", errcode.InvalidRegionFile, path, opts.FixedBase)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	hdr := Header{
		Version:   semver.New(layoutMajor, layoutMinor, layoutPatch, "", ""),
		ID:        id,
		Size:      opts.Size,
		FixedBase: uint64(opts.FixedBase),
		CreatedAt: time.Now(),
		Name:      name,
	}
	if opts.FixedBase != 0 {
		hdr.Flags |= FlagFixed
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errcode.IOError, path, err)
	}

	fail := func(err error) (*File, error) {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %s: %w", errcode.IOError, path, err)
	}

	if err := f.Truncate(int64(HeaderSize + opts.Size)); err != nil {
		return fail(err)
	}

	block := directio.AlignedBlock(directio.BlockSize)
	hdr.encode(block)
	if err := writeHeaderBlock(f, path, block, opts.DirectIO); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}

	slog.Debug("[REGIONFILE] Created", "path", path, "id", id, "size", opts.Size)
	return &File{path: path, f: f, hdr: hdr, writable: true}, nil
}

func writeHeaderBlock(f *os.File, path string, block []byte, direct bool) error {
	if direct {
		df, err := directio.OpenFile(path, os.O_WRONLY, 0644)
		if err == nil {
			_, werr := df.WriteAt(block, 0)
			cerr := df.Close()
			if werr == nil {
				return cerr
			}
			err = werr
		}
		slog.Warn("[REGIONFILE] O_DIRECT header write failed, falling back to buffered write", "path", path, "error", err)
	}
	_, err := f.WriteAt(block, 0)
	return err
}

// Open opens an existing region file and validates its header.
func Open(path string, opts OpenOptions) (*File, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errcode.InvalidRegionFile, path, err)
	}

	block := directio.AlignedBlock(directio.BlockSize)
	if _, err := f.ReadAt(block, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: reading header: %w", errcode.InvalidRegionFile, path, err)
	}
	hdr, err := decodeHeader(block)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", errcode.InvalidRegionFile, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", errcode.IOError, path, err)
	}
	if want := HeaderSize + hdr.Size; uint64(info.Size()) < want {
		f.Close()
		return nil, fmt.Errorf("%w: %s: file is %d bytes, header declares %d", errcode.InvalidRegionFile, path, info.Size(), want)
	}

	return &File{path: path, f: f, hdr: hdr, writable: !opts.ReadOnly}, nil
}

// ID returns the region identifier recorded at creation.
func (rf *File) ID() uuid.UUID { return rf.hdr.ID }

// Name returns the name recorded in the header.
func (rf *File) Name() string { return rf.hdr.Name }

// Path returns the path the file was opened with.
func (rf *File) Path() string { return rf.path }

// Size returns the size of the data area.
func (rf *File) Size() uint64 { return rf.hdr.Size }

// DataOffset returns the file offset of the first data byte.
func (rf *File) DataOffset() int64 { return HeaderSize }

// FixedBase returns the address recorded for fixed mapping, or 0.
func (rf *File) FixedBase() uintptr { return uintptr(rf.hdr.FixedBase) }

// Writable reports whether the file was opened for writing.
func (rf *File) Writable() bool { return rf.writable }

// Header returns a copy of the decoded header.
func (rf *File) Header() Header { return rf.hdr }

// Fd returns the descriptor to hand to the OS mapping primitive. It fails
// once the file is closed.
func (rf *File) Fd() (uintptr, error) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return 0, fmt.Errorf("%w: %s: file is closed", errcode.InvalidRegionFile, rf.path)
	}
	return rf.f.Fd(), nil
}

// ReadAt reads from the data area at offset off.
func (rf *File) ReadAt(p []byte, off int64) (int, error) {
	if err := rf.check(len(p), off); err != nil {
		return 0, err
	}
	n, err := rf.f.ReadAt(p, HeaderSize+off)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", errcode.IOError, rf.path, err)
	}
	return n, nil
}

// WriteAt writes to the data area at offset off.
func (rf *File) WriteAt(p []byte, off int64) (int, error) {
	if !rf.writable {
		return 0, fmt.Errorf("%w: %s: opened read-only", errcode.IOError, rf.path)
	}
	if err := rf.check(len(p), off); err != nil {
		return 0, err
	}
	n, err := rf.f.WriteAt(p, HeaderSize+off)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", errcode.IOError, rf.path, err)
	}
	return n, nil
}

func (rf *File) check(n int, off int64) error {
	rf.mu.RLock()
	closed := rf.closed
	rf.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %s: file is closed", errcode.InvalidRegionFile, rf.path)
	}
	if off < 0 || uint64(off)+uint64(n) > rf.hdr.Size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+int64(n), rf.hdr.Size)
	}
	return nil
}

// Sync commits the file's contents to stable storage.
func (rf *File) Sync() error {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return nil
	}
	if err := rf.f.Sync(); err != nil {
		return fmt.Errorf("%w: %s: %w", errcode.IOError, rf.path, err)
	}
	return nil
}

// Close closes the descriptor. Mappings already made from the file stay
// valid until they are unmapped.
func (rf *File) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return nil
	}
	rf.closed = true
	return rf.f.Close()
}
