// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package mujit is a minimal JIT code generator targeting the x86-64
// System V ABI: build a module, declare functions against it, emit a
// fixed vocabulary of integer operations, link, and call straight
// into the result.
//
// A typical session:
//
//	mod := mujit.NewModule()
//	fn, marker, err := mod.DeclareFunction("addTwo", []mujit.Type{mujit.I64})
//	arg0, _ := fn.Arg(0)
//	two := fn.ImmediateInt64(2)
//	result, _ := fn.Add(arg0, two)
//	fn.Ret(result, mujit.I64)
//	fn.FinalizeFunction()
//	linked, err := mod.Link()
//	entry, _ := linked.Entry(marker)
//	out := mujit.Call(entry, 40) // 42
package mujit

import (
	"mujit.dev/mujit/errs"
	"mujit.dev/mujit/function"
	"mujit.dev/mujit/mem"
	"mujit.dev/mujit/module"
	"mujit.dev/mujit/regalloc"
	"mujit.dev/mujit/value"
)

// ContractError reports a misuse of the builder API: an unsupported
// type, too many arguments, an operation against a closed block, or a
// displacement that does not fit its encoding.
type ContractError = errs.ContractError

// ResourceError reports a failure acquiring or reprotecting the
// executable memory a linked module lives in.
type ResourceError = errs.ResourceError

// Type is the type of a VReg: Void, I64, or the reserved I32 and Data.
type Type = value.Type

// The four VReg types. Only Void and I64 are backed by real
// operations; I32 is accepted solely as an immediate, and Data is
// always a ContractError.
const (
	Void = value.Void
	I64  = value.I64
	I32  = value.I32
	Data = value.Data
)

// VReg identifies a virtual register within one function.
type VReg = value.VReg

// Invalid is the sentinel VReg returned wherever an operation has no
// result, such as a void-returning call.
const Invalid = value.Invalid

// Module owns a program's marker namespace, its declared functions
// and its host-function imports.
type Module = module.Module

// NewModule returns an empty module.
func NewModule() *Module { return module.New() }

// Function is the builder for one function's code: the public
// operation vocabulary a backend emits against.
type Function = function.Builder

// Backend is the thin table mapping the public operation names to
// their architecture-specific encoding — the sole extension point for
// targeting something other than x86-64. X86Backend is the only
// implementation this package ships.
type Backend = function.Backend

// X86Backend is the default backend every Module.DeclareFunction call
// targets.
var X86Backend = function.X86Backend

// Snapshot is the (VReg locations, host registers, stack frame) state
// captured when a block closes, used to seed whichever block opens
// next at that control-flow edge.
type Snapshot = regalloc.Snapshot

// Linked is a module after Link: a published executable mapping and
// the resolved address of every function and import in it.
type Linked = module.Linked

// Call invokes the native code at fn as a SysV function taking up to
// six integer or pointer arguments and returning a single 64-bit
// result — the way Go code enters compiled code (or a host import).
// Compiled code calls imports itself, with no trampoline.
func Call(fn uintptr, args ...int64) int64 {
	return mem.Call(fn, args...)
}
