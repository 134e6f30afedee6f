// Package errcode defines the error kinds shared by the PEGAS packages.
//
// Every fallible operation returns an error that wraps exactly one Code,
// so callers can branch on the kind without string matching:
//
//	if errors.Is(err, errcode.NotMapped) {
//	    // ordinary heap or stack address
//	}
package errcode

import "errors"

// Code is a failure kind. The zero value is OK.
type Code int

const (
	OK Code = iota
	AlreadyMapped
	NotMapped
	OutOfAddressSpace
	InvalidRegionFile
	IOError
	InvalidMappingMode
	NotInitialized
	AlreadyInitialized
	InitFailed
	Unknown
)

var names = [...]string{
	OK:                 "ok",
	AlreadyMapped:      "already mapped",
	NotMapped:          "not mapped",
	OutOfAddressSpace:  "out of address space",
	InvalidRegionFile:  "invalid region file",
	IOError:            "i/o failure",
	InvalidMappingMode: "invalid mapping mode for file",
	NotInitialized:     "address space not initialized",
	AlreadyInitialized: "address space already initialized",
	InitFailed:         "address space initialization failed",
	Unknown:            "unknown error",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(names) {
		return names[Unknown]
	}
	return names[c]
}

// Error makes Code usable as a sentinel with errors.Is and fmt.Errorf("%w").
func (c Code) Error() string {
	return "pegas: " + c.String()
}

// Of returns the kind carried by err. A nil error is OK and an error that
// wraps no Code is Unknown.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}
