package pegas

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options configures an AddressSpace and its memory manager. The value is
// copied at construction and never changed afterwards.
type Options struct {
	// ArenaSize, when non-zero, makes Init reserve one contiguous range of
	// this many bytes up front. Relocatable and multi-segment regions are
	// then carved from it instead of from fresh kernel reservations, and
	// mapping fails with OutOfAddressSpace once it is full.
	// Must be a multiple of the page size.
	ArenaSize uint64 `yaml:"arena_size"`

	// SegmentSize is the chunk size of the multi-segment mode. Must be a
	// power of two and a multiple of the page size.
	SegmentSize uint64 `yaml:"segment_size"`

	// SyncOnUnmap flushes dirty pages to the region file before a region
	// is unmapped.
	SyncOnUnmap bool `yaml:"sync_on_unmap"`

	// ReadOnly maps every region without write access, even when the
	// region file was opened for writing.
	ReadOnly bool `yaml:"read_only"`
}

// DefaultOptions returns the configuration used when nothing is specified.
//
// Defaults:
//   - ArenaSize: 0 (no arena, every region gets its own reservation)
//   - SegmentSize: 2 MiB
//   - SyncOnUnmap: true
//   - ReadOnly: false
func DefaultOptions() Options {
	return Options{
		ArenaSize:   0,
		SegmentSize: 2 << 20,
		SyncOnUnmap: true,
		ReadOnly:    false,
	}
}

// LoadOptions reads a YAML file on top of DefaultOptions. Unknown keys are
// rejected. An empty path returns the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	if path == "" {
		return opts, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return opts, fmt.Errorf("failed to open address space config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(&opts); err != nil {
		return opts, fmt.Errorf("YAML syntax error in address space config: %w", err)
	}

	return opts, nil
}

// Validate checks the options against the system page size.
func (o Options) Validate(pageSize int) error {
	page := uint64(pageSize)
	if o.SegmentSize == 0 || o.SegmentSize&(o.SegmentSize-1) != 0 {
		return fmt.Errorf("segment_size %d is not a power of two", o.SegmentSize)
	}
	if o.SegmentSize%page != 0 {
		return fmt.Errorf("segment_size %d is not a multiple of the page size %d", o.SegmentSize, page)
	}
	if o.ArenaSize%page != 0 {
		return fmt.Errorf("arena_size %d is not a multiple of the page size %d", o.ArenaSize, page)
	}
	return nil
}
