// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

//go:build amd64

package mem

// HostPutsAddr returns the address of hostPuts, a SysV-ABI leaf
// routine suitable for Module.ImportFunction: RDI holds a pointer to
// a byte buffer, RSI its length, and it writes the buffer to stdout
// via a raw write(2) syscall, returning the syscall's result (bytes
// written, or a negative errno) in RAX.
//
// It stands in for importing libc's printf: a statically linked Go
// binary has no libc mapped into it at all, so there is no printf
// symbol to resolve without cgo or a dlopen shim. hostPuts is
// implemented directly in assembly (host_amd64.s) rather than as an
// ordinary Go function, for the same reason callSysV is: JIT-compiled
// code invokes it with a bare CALL instruction, with no Go stack
// frame, no g register and none of Go's own calling-convention
// bookkeeping in place, so the callee must not assume any of that
// either.
func HostPutsAddr() uintptr
