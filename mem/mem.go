// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package mem provides the one host-memory primitive the linker needs:
// an anonymous mapping that starts writable and is later flipped to
// executable, never both at once.
package mem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"mujit.dev/mujit/errs"
)

// roundingUnit is the granularity the linker sizes a module's mapping
// to, independent of the host's actual page size.
const roundingUnit = 1024

// RoundUp rounds size up to the nearest multiple of roundingUnit. A
// zero size still reserves one unit, since mmap of a zero-length
// region is not portable.
func RoundUp(size int) int {
	if size == 0 {
		size = 1
	}
	return (size + roundingUnit - 1) / roundingUnit * roundingUnit
}

// Region is one anonymous mapping, writable until MakeExecutable is
// called and never again writable afterwards.
type Region struct {
	data []byte
}

// NewWritable reserves a fresh RoundUp(size)-byte mapping, readable
// and writable.
func NewWritable(size int) (*Region, error) {
	n := RoundUp(size)
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errs.Resource("mmap", err)
	}
	return &Region{data: data}, nil
}

// Bytes returns the mapping's backing storage for the linker to copy
// function code into. The returned slice is only safe to write before
// MakeExecutable has been called.
func (r *Region) Bytes() []byte { return r.data }

// Addr returns the mapping's base address.
func (r *Region) Addr() uintptr { return uintptr(unsafe.Pointer(&r.data[0])) }

// MakeExecutable flips the mapping from read-write to read-execute.
// After this call the region must not be written to again — W^X is
// maintained for the region's whole lifetime, never both at once.
func (r *Region) MakeExecutable() error {
	if err := unix.Mprotect(r.data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errs.Resource("mprotect", err)
	}
	return nil
}

// Unmap releases the mapping. Once unmapped, any function pointer
// into it is dangling.
func (r *Region) Unmap() error {
	if err := unix.Munmap(r.data); err != nil {
		return errs.Resource("munmap", err)
	}
	return nil
}
