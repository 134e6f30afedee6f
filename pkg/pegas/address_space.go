// Package pegas implements a Persistent Global Address Space: region files
// are bound into the process's virtual memory and addressed with ordinary
// loads and stores, and any address can be translated back to the region
// and offset it belongs to.
//
// The mapping mode is a type argument, so each mode has its own Region
// type and its own compiled address arithmetic:
//
//	as := pegas.NewAddressSpace(pegas.DefaultOptions())
//	if err := as.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer as.Close()
//
//	rf, _ := regionfile.Open("accounts.dat", regionfile.OpenOptions{})
//	r, err := pegas.Map[pegas.DirectRelocatable](as, rf)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p := r.Pointer(100)
//	region, off, _ := as.Rtrans(uintptr(p)) // region == r, off == 100
//
// There is no persistent state besides the region files: after a restart,
// mapping the same files again recovers the address space.
package pegas

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/metrics"
	"github.com/sanonone/pegas/pkg/regionfile"
)

type asState uint8

const (
	stateNew asState = iota
	stateReady
	stateFailed
	stateClosed
)

// AddressSpace binds region files into virtual memory and keeps track of
// the live regions. One instance per process is the convention; nothing
// stops tests from creating several.
type AddressSpace struct {
	opts Options
	mm   *MemoryManager

	// mu guards state and regions, and serializes index updates so Rtrans
	// never sees the registry and the index disagree.
	mu      sync.RWMutex
	state   asState
	regions *registry
}

// NewAddressSpace creates an address space. Init must succeed before any
// other call.
func NewAddressSpace(opts Options) *AddressSpace {
	return &AddressSpace{
		opts:    opts,
		mm:      NewMemoryManager(opts),
		regions: newRegistry(),
	}
}

// Init prepares the memory manager. It must be called exactly once. If it
// fails the instance is unusable and every later call returns InitFailed.
func (as *AddressSpace) Init() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	switch as.state {
	case stateReady, stateClosed:
		return errcode.AlreadyInitialized
	case stateFailed:
		return errcode.InitFailed
	}

	if err := as.mm.Init(); err != nil {
		as.state = stateFailed
		slog.Error("[PEGAS] Address space initialization failed", "error", err)
		if errcode.Of(err) != errcode.InitFailed {
			err = fmt.Errorf("%w: %w", errcode.InitFailed, err)
		}
		return err
	}
	as.state = stateReady
	slog.Info("[PEGAS] Address space initialized",
		"page_size", as.mm.PageSize(),
		"arena_size", as.opts.ArenaSize,
		"segment_size", as.opts.SegmentSize)
	return nil
}

// stateErr must be called with mu held.
func (as *AddressSpace) stateErr() error {
	switch as.state {
	case stateReady:
		return nil
	case stateFailed:
		return errcode.InitFailed
	case stateClosed:
		return fmt.Errorf("%w: address space is closed", errcode.NotInitialized)
	default:
		return errcode.NotInitialized
	}
}

// MM returns the memory manager.
func (as *AddressSpace) MM() *MemoryManager { return as.mm }

// Options returns the options the address space was built with.
func (as *AddressSpace) Options() Options { return as.opts }

// Map binds rf into the address space under mapping mode M and registers
// the resulting region under rf's identifier. A failed Map leaves the
// address space exactly as it was.
func Map[M Mode](as *AddressSpace, rf *regionfile.File) (*Region[M], error) {
	var mode M
	kind := mode.Kind().String()
	start := time.Now()

	r, err := as.mapRegion(func() (Mapping, error) {
		r, err := place[M](as.mm, rf)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	metrics.MapsTotal.WithLabelValues(kind, errcode.Of(err).String()).Inc()
	if err != nil {
		return nil, err
	}

	metrics.MapDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.MappedRegions.WithLabelValues(kind).Inc()
	metrics.MappedBytes.WithLabelValues(kind).Add(float64(r.Len()))
	slog.Debug("[PEGAS] Region mapped",
		"id", r.ID(),
		"mode", kind,
		"base", fmt.Sprintf("0x%x", r.Base()),
		"len", r.Len(),
		"seq", r.Seq())
	return r.(*Region[M]), nil
}

func (as *AddressSpace) mapRegion(placeFn func() (Mapping, error)) (Mapping, error) {
	as.mu.RLock()
	err := as.stateErr()
	as.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	r, err := placeFn()
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.stateErr(); err != nil {
		as.mm.release(r, false)
		return nil, err
	}
	if err := as.mm.publish(r); err != nil {
		as.mm.release(r, false)
		return nil, err
	}
	as.regions.insert(r)
	return r, nil
}

// Unmap removes r from the registry and the index, then releases its
// mappings. Unmapping a region that is not registered here returns
// NotMapped and changes nothing. Callers must make sure nothing is still
// dereferencing r.
func (as *AddressSpace) Unmap(r Mapping) error {
	if r == nil {
		return errcode.NotMapped
	}
	kind := r.Mode().String()

	as.mu.Lock()
	if err := as.stateErr(); err != nil {
		as.mu.Unlock()
		return err
	}
	if !as.regions.contains(r) {
		as.mu.Unlock()
		metrics.UnmapsTotal.WithLabelValues(kind, errcode.NotMapped.String()).Inc()
		return fmt.Errorf("%w: region %s", errcode.NotMapped, r.ID())
	}
	if err := as.mm.withdraw(r); err != nil {
		as.mu.Unlock()
		return err
	}
	as.regions.remove(r)
	as.mu.Unlock()

	err := as.mm.release(r, as.opts.SyncOnUnmap)
	metrics.UnmapsTotal.WithLabelValues(kind, errcode.Of(err).String()).Inc()
	metrics.MappedRegions.WithLabelValues(kind).Dec()
	metrics.MappedBytes.WithLabelValues(kind).Sub(float64(r.Len()))
	slog.Debug("[PEGAS] Region unmapped", "id", r.ID(), "mode", kind, "seq", r.Seq())
	return err
}

// Region returns the most recently mapped live region bound under id.
func (as *AddressSpace) Region(id RegionID) (Mapping, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.state != stateReady {
		return nil, false
	}
	return as.regions.lookup(id)
}

// Regions returns every live region bound under id, oldest first.
func (as *AddressSpace) Regions(id RegionID) []Mapping {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.state != stateReady {
		return nil
	}
	return as.regions.all(id)
}

// RegionOf returns the most recently mapped live region bound under id
// with mapping mode M.
func RegionOf[M Mode](as *AddressSpace, id RegionID) (*Region[M], bool) {
	list := as.Regions(id)
	for i := len(list) - 1; i >= 0; i-- {
		if r, ok := list[i].(*Region[M]); ok {
			return r, true
		}
	}
	return nil, false
}

// Rtrans reverse-translates vaddr into its region and offset. An address
// outside every live region yields NotMapped; that is how callers tell
// persistent addresses from heap or stack ones.
func (as *AddressSpace) Rtrans(vaddr uintptr) (Mapping, LinearAddr, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if err := as.stateErr(); err != nil {
		return nil, 0, err
	}
	return as.mm.Rtrans(vaddr)
}

// Len returns the number of live regions.
func (as *AddressSpace) Len() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions.len()
}

// Close unmaps every live region and releases the memory manager. Further
// calls other than Close fail with NotInitialized.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	if as.state != stateReady {
		as.mu.Unlock()
		return nil
	}
	as.state = stateClosed
	var result *multierror.Error
	live := as.regions.drain()
	withdrawn := live[:0:0]
	for _, r := range live {
		if err := as.mm.withdraw(r); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		withdrawn = append(withdrawn, r)
	}
	as.mu.Unlock()

	for _, r := range withdrawn {
		kind := r.Mode().String()
		if err := as.mm.release(r, as.opts.SyncOnUnmap); err != nil {
			result = multierror.Append(result, err)
		}
		metrics.MappedRegions.WithLabelValues(kind).Dec()
		metrics.MappedBytes.WithLabelValues(kind).Sub(float64(r.Len()))
	}
	if err := as.mm.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: releasing arena: %w", errcode.IOError, err))
	}

	err := result.ErrorOrNil()
	if err != nil {
		slog.Error("[PEGAS] Address space teardown incomplete", "regions", len(live), "error", err)
	} else {
		slog.Info("[PEGAS] Address space closed", "regions", len(live))
	}
	return err
}
