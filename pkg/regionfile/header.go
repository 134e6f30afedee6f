package regionfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// HeaderSize is the space reserved in front of the data area. It is a
	// multiple of every page size in use, so the data area can be mapped
	// directly.
	HeaderSize = 64 * 1024

	// Magic identifies a region file ("PGRF").
	Magic = 0x50475246

	// MaxNameLen is the longest name the header can carry.
	MaxNameLen = 56

	layoutMajor = 1
	layoutMinor = 0
	layoutPatch = 0

	// MaxSize bounds the data area so that the whole file stays
	// addressable as an int64 offset and the data area fits a uintptr.
	MaxSize = min(uint64(math.MaxInt64-HeaderSize), uint64(^uintptr(0)))

	encodedLen  = 128
	checksumOff = 120
)

// Header flags.
const (
	FlagFixed uint32 = 1 << iota
)

var layoutConstraint = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Header is the metadata block at the start of every region file.
type Header struct {
	Version   *semver.Version
	Flags     uint32
	ID        uuid.UUID
	Size      uint64
	FixedBase uint64
	CreatedAt time.Time
	Name      string
}

func (h *Header) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], Magic)
	le.PutUint16(buf[4:6], uint16(h.Version.Major()))
	le.PutUint16(buf[6:8], uint16(h.Version.Minor()))
	le.PutUint16(buf[8:10], uint16(h.Version.Patch()))
	le.PutUint32(buf[12:16], h.Flags)
	copy(buf[16:32], h.ID[:])
	le.PutUint64(buf[32:40], h.Size)
	le.PutUint64(buf[40:48], h.FixedBase)
	le.PutUint64(buf[48:56], uint64(h.CreatedAt.UnixNano()))
	copy(buf[64:64+MaxNameLen], h.Name)
	le.PutUint64(buf[checksumOff:encodedLen], xxhash.Sum64(buf[:checksumOff]))
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < encodedLen {
		return h, fmt.Errorf("header truncated: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(buf[0:4]); magic != Magic {
		return h, fmt.Errorf("magic mismatch: 0x%08x", magic)
	}
	if sum := le.Uint64(buf[checksumOff:encodedLen]); sum != xxhash.Sum64(buf[:checksumOff]) {
		return h, fmt.Errorf("header checksum mismatch")
	}

	h.Version = semver.New(
		uint64(le.Uint16(buf[4:6])),
		uint64(le.Uint16(buf[6:8])),
		uint64(le.Uint16(buf[8:10])),
		"", "",
	)
	if !layoutConstraint.Check(h.Version) {
		return h, fmt.Errorf("unsupported layout version %s", h.Version)
	}

	h.Flags = le.Uint32(buf[12:16])
	copy(h.ID[:], buf[16:32])
	h.Size = le.Uint64(buf[32:40])
	h.FixedBase = le.Uint64(buf[40:48])
	h.CreatedAt = time.Unix(0, int64(le.Uint64(buf[48:56])))

	name := buf[64 : 64+MaxNameLen]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	h.Name = string(name)

	if h.Size == 0 {
		return h, fmt.Errorf("zero data size")
	}
	if h.Size > MaxSize {
		return h, fmt.Errorf("data size %d exceeds %d", h.Size, MaxSize)
	}
	if h.Flags&FlagFixed != 0 && h.FixedBase == 0 {
		return h, fmt.Errorf("fixed flag set without a fixed base")
	}
	return h, nil
}
