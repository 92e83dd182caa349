// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package x86 describes the small, fixed slice of the x86-64 register
// file and instruction encoding that the code generator needs. It does
// not attempt to describe the full x86-64 instruction set.
package x86

import "fmt"

// Reg identifies one of the 16 general-purpose registers, using the
// 4-bit encoding x86-64 uses for ModR/M.reg, ModR/M.rm and SIB fields.
// Registers 8-15 (R8-R15) require a REX prefix to address.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var names = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("x86.Reg(%d)", uint8(r))
}

// Low3 returns the 3-bit field used to encode the register in a ModR/M
// or SIB byte (dropping the top bit, which is instead carried in a REX
// field).
func (r Reg) Low3() byte { return byte(r) & 0b111 }

// NeedsREX reports whether selecting this register requires a REX
// prefix to be present at all, independent of REX.W. This is true for
// R8-R15, whose top encoding bit only exists under REX.
func (r Reg) NeedsREX() bool { return r >= R8 }

// GPRegisters lists all 16 general-purpose registers in ascending
// encoding order. This is the scan order the register allocator uses
// when looking for a free register.
var GPRegisters = [16]Reg{
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15,
}

// Reserved reports whether the allocator may never assign reg to hold a
// VReg. RSP, RBP, RBX and R12-R15 are callee-saved in the SysV ABI; the
// core elects not to save or restore them, so it never allocates them
//.
func (r Reg) Reserved() bool {
	switch r {
	case RSP, RBP, RBX, R12, R13, R14, R15:
		return true
	default:
		return false
	}
}

// ArgRegisters lists the SysV integer/pointer argument registers, in
// positional order. At most 6 integer arguments are supported.
var ArgRegisters = [6]Reg{RDI, RSI, RDX, RCX, R8, R9}

// ReturnRegister is where a single i64 result is returned.
const ReturnRegister = RAX
