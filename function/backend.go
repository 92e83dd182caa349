// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package function

import "mujit.dev/mujit/internal/x86"

// Backend is the thin table mapping each of Builder's public operation
// names to its architecture-specific encoding. x86 is the only
// implementation today, but it is the sole extension point for adding
// another target: a new architecture package provides its own
// Backend value, and Builder's operation methods never call an
// internal/x86 encoder directly — they always go through b.backend.
// The register allocator (regalloc) is not covered by this table: its
// moves, spills and reloads are encoded with internal/x86 directly.
type Backend struct {
	Prologue func(rbp, rsp x86.Reg) (push, movRbpRsp []byte)
	Epilogue func(rbp, rsp x86.Reg) (movRspRbp, pop, ret []byte)

	MovRegReg   func(dst, src x86.Reg) []byte
	AddRegReg   func(dst, src x86.Reg) []byte
	AddRegImm32 func(dst x86.Reg, imm int32) []byte
	SubRegReg   func(dst, src x86.Reg) []byte
	SubRegImm32 func(dst x86.Reg, imm int32) []byte
	CmpRegReg   func(a, b x86.Reg) []byte

	JeRel32   func() []byte
	JmpRel32  func() []byte
	CallRel32 func() []byte
	CallReg   func(target x86.Reg) []byte
}

// X86Backend is the default, and currently only, Backend: the one
// re-exported by the root package as mujit.X86Backend and handed to
// every Builder unless a caller supplies its own via
// NewFunctionWithBackend.
var X86Backend = Backend{
	Prologue: func(rbp, rsp x86.Reg) ([]byte, []byte) {
		return x86.EncodePush(rbp), x86.EncodeMovRegReg(rbp, rsp)
	},
	Epilogue: func(rbp, rsp x86.Reg) ([]byte, []byte, []byte) {
		return x86.EncodeMovRegReg(rsp, rbp), x86.EncodePop(rbp), x86.EncodeRet()
	},
	MovRegReg:   x86.EncodeMovRegReg,
	AddRegReg:   x86.EncodeAddRegReg,
	AddRegImm32: x86.EncodeAddRegImm32,
	SubRegReg:   x86.EncodeSubRegReg,
	SubRegImm32: x86.EncodeSubRegImm32,
	CmpRegReg:   x86.EncodeCmpRegReg,
	JeRel32:     x86.EncodeJeRel32,
	JmpRel32:    x86.EncodeJmpRel32,
	CallRel32:   x86.EncodeCallRel32,
	CallReg:     x86.EncodeCallReg,
}
