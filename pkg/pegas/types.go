package pegas

import "github.com/google/uuid"

// RegionID identifies a region. It is the UUID stored in the region file
// header, so it stays the same across processes and restarts.
type RegionID uuid.UUID

func (id RegionID) String() string {
	return uuid.UUID(id).String()
}

// LinearAddr is an offset from the base of a region. Unlike a virtual
// address it does not change when the region is mapped somewhere else, so
// it is what persistent data structures store as a pointer.
type LinearAddr uint64
