// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import "encoding/binary"

// REX prefix bits (Intel SDM, vol 2, section 2.2.1).
const (
	rexBase byte = 0b0100_0000
	rexW    byte = 0b0000_1000 // 64-bit operand size.
	rexR    byte = 0b0000_0100 // Extends ModR/M.reg.
	rexX    byte = 0b0000_0010 // Extends SIB.index.
	rexB    byte = 0b0000_0001 // Extends ModR/M.rm, SIB.base, or an opcode register.
)

// ModR/M.mod field values (Intel SDM, vol 2, table 2.2).
const (
	modIndirect     byte = 0b00
	modIndirectDisp8 byte = 0b01
	modRegister     byte = 0b11
)

func rex(w, r, x, b bool) byte {
	v := rexBase
	if w {
		v |= rexW
	}
	if r {
		v |= rexR
	}
	if x {
		v |= rexX
	}
	if b {
		v |= rexB
	}
	return v
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&0b111)<<3 | (rm & 0b111)
}

// sibRSPBase encodes a SIB byte with base=RSP, no index and a scale of
// 1. RSP can never be the base of a ModR/M-only addressing form (rm=100
// is reserved to mean "SIB follows"), so every frame-relative load or
// store against RSP needs this SIB byte, even though RSP has no index
// register of its own.
const sibRSPBase byte = 0b00_100_100

// EncodeMovRegReg encodes `mov dst, src` (REX.W + 0x89 /r): a 64-bit
// register-to-register move.
func EncodeMovRegReg(dst, src Reg) []byte {
	return []byte{
		rex(true, src.NeedsREX(), false, dst.NeedsREX()),
		0x89,
		modrm(modRegister, src.Low3(), dst.Low3()),
	}
}

// EncodeMovRegImm64 encodes `mov dst, imm64` (REX.W + 0xB8+rd + imm64).
// This is also the shape used for the patched "mov marker" form: the
// caller writes a placeholder imm64 and later overwrites it in place
// once the marker has been resolved.
func EncodeMovRegImm64(dst Reg, imm uint64) []byte {
	out := []byte{
		rex(true, false, false, dst.NeedsREX()),
		0xB8 + dst.Low3(),
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], imm)
	return append(out, tmp[:]...)
}

// EncodeAddRegReg encodes `add dst, src` (REX.W + 0x01 /r).
func EncodeAddRegReg(dst, src Reg) []byte {
	return []byte{
		rex(true, src.NeedsREX(), false, dst.NeedsREX()),
		0x01,
		modrm(modRegister, src.Low3(), dst.Low3()),
	}
}

// EncodeAddRegImm32 encodes `add dst, imm32` (REX.W + 0x81 /0 + imm32).
func EncodeAddRegImm32(dst Reg, imm int32) []byte {
	return encodeGroup1Imm32(0 /* /0 = ADD */, dst, imm)
}

// EncodeSubRegReg encodes `sub dst, src` (REX.W + 0x29 /r).
func EncodeSubRegReg(dst, src Reg) []byte {
	return []byte{
		rex(true, src.NeedsREX(), false, dst.NeedsREX()),
		0x29,
		modrm(modRegister, src.Low3(), dst.Low3()),
	}
}

// EncodeSubRegImm32 encodes `sub dst, imm32` (REX.W + 0x81 /5 + imm32).
func EncodeSubRegImm32(dst Reg, imm int32) []byte {
	return encodeGroup1Imm32(5 /* /5 = SUB */, dst, imm)
}

func encodeGroup1Imm32(ext byte, dst Reg, imm int32) []byte {
	out := []byte{
		rex(true, false, false, dst.NeedsREX()),
		0x81,
		modrm(modRegister, ext, dst.Low3()),
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(imm))
	return append(out, tmp[:]...)
}

// EncodeCmpRegReg encodes `cmp a, b` (REX.W + 0x3B /r), which computes
// a - b and sets flags accordingly.
func EncodeCmpRegReg(a, b Reg) []byte {
	return []byte{
		rex(true, a.NeedsREX(), false, b.NeedsREX()),
		0x3B,
		modrm(modRegister, a.Low3(), b.Low3()),
	}
}

// EncodePush encodes `push r` (0x50+r, with REX.B for R8-R15).
func EncodePush(r Reg) []byte {
	if r.NeedsREX() {
		return []byte{rex(false, false, false, true), 0x50 + r.Low3()}
	}
	return []byte{0x50 + r.Low3()}
}

// EncodePop encodes `pop r` (0x58+r, with REX.B for R8-R15).
func EncodePop(r Reg) []byte {
	if r.NeedsREX() {
		return []byte{rex(false, false, false, true), 0x58 + r.Low3()}
	}
	return []byte{0x58 + r.Low3()}
}

// EncodeCallReg encodes `call r/m64` (0xFF /2) — an indirect call
// through a register holding the target address.
func EncodeCallReg(target Reg) []byte {
	out := []byte{0xFF, modrm(modRegister, 2, target.Low3())}
	if target.NeedsREX() {
		return append([]byte{rex(false, false, false, true)}, out...)
	}
	return out
}

// EncodeCallRel32 encodes `call rel32` (0xE8 + rel32). The displacement
// is left as the placeholder -5, so that an unpatched call loops back
// to itself — a conspicuous, easy-to-debug failure mode
// rather than jumping into adjacent code.
func EncodeCallRel32() []byte {
	return encodeRel32(0xE8, -5)
}

// EncodeJmpRel32 encodes `jmp rel32` (0xE9 + rel32), with placeholder
// -5.
func EncodeJmpRel32() []byte {
	return encodeRel32(0xE9, -5)
}

// ccEqual is the condition code for JE/JZ in the 0x0F 8x Jcc encoding.
const ccEqual byte = 0x4

// EncodeJccRel32 encodes `Jcc rel32` (0x0F 8x + rel32), with placeholder
// -6 (the opcode itself is 2 bytes, one more than CALL/JMP's 1-byte
// opcode, so the self-referential placeholder differs accordingly).
func EncodeJccRel32(cc byte) []byte {
	out := []byte{0x0F, 0x80 | cc}
	var tmp [4]byte
	placeholder := int32(-6)
	binary.LittleEndian.PutUint32(tmp[:], uint32(placeholder))
	return append(out, tmp[:]...)
}

// EncodeJeRel32 encodes `je rel32`.
func EncodeJeRel32() []byte {
	return EncodeJccRel32(ccEqual)
}

func encodeRel32(opcode byte, placeholder int32) []byte {
	out := []byte{opcode}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(placeholder))
	return append(out, tmp[:]...)
}

// EncodeRet encodes `ret` (0xC3).
func EncodeRet() []byte {
	return []byte{0xC3}
}

// EncodeStoreFrame encodes `mov [rsp+disp8], src` (REX.W + 0x89 /r,
// disp8, SIB), storing src into the function's stack frame at a
// byte offset from the frame base. offset must satisfy
// 0 <= offset < 128.
func EncodeStoreFrame(offset int8, src Reg) []byte {
	return []byte{
		rex(true, src.NeedsREX(), false, false),
		0x89,
		modrm(modIndirectDisp8, src.Low3(), 0b100), // rm=100 => SIB follows.
		sibRSPBase,
		byte(offset),
	}
}

// EncodeLoadFrame encodes `mov dst, [rsp+disp8]` (REX.W + 0x8B /r,
// disp8, SIB), loading a value from the function's stack frame.
func EncodeLoadFrame(dst Reg, offset int8) []byte {
	return []byte{
		rex(true, dst.NeedsREX(), false, false),
		0x8B,
		modrm(modIndirectDisp8, dst.Low3(), 0b100),
		sibRSPBase,
		byte(offset),
	}
}
