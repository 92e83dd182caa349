// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package function implements the function builder: the public
// operation vocabulary a backend emits against, laid directly on top
// of buffer, regalloc and block.
package function

import (
	"math"
	"sort"

	"mujit.dev/mujit/block"
	"mujit.dev/mujit/buffer"
	"mujit.dev/mujit/errs"
	"mujit.dev/mujit/hexdump"
	"mujit.dev/mujit/internal/x86"
	"mujit.dev/mujit/regalloc"
	"mujit.dev/mujit/value"
)

// ModuleInfo is the slice of the owning module a Builder needs: a
// source of fresh markers, and a way to tell a module-local function
// marker apart from an imported one, so call can choose between a
// near (rel32) and a far (absolute) call site. Defining this as an
// interface here, rather than importing the module package directly,
// avoids a cycle between function and module.
type ModuleInfo interface {
	NewMarker() int
	IsLocalFunction(marker int) bool
}

// Scratch VRegs never appear in a finished function's value space;
// they exist only to let the allocator's normal Allocate/Drop bookkeeping
// track a register's occupancy for the lifetime of a single emitted
// instruction.
const (
	scratchLeft  value.VReg = -2
	scratchRight value.VReg = -3
	scratchCall  value.VReg = -4
	argSentinel0 value.VReg = -100 // argSentinel0-5 mark the six ABI argument registers during call.
)

// Builder emits one function's machine code. It owns the function's
// code buffer, its register allocator and its block manager, and
// tracks the relocations that must survive past finalisation for the
// module linker to resolve.
type Builder struct {
	name   string
	marker int
	module ModuleInfo

	backend Backend

	buf    *buffer.Buffer
	alloc  *regalloc.Allocator
	blocks *block.Manager

	types    map[value.VReg]value.Type
	nextVReg value.VReg
	args     []value.VReg

	prologueSubOffset int

	ownLabels map[int]bool
	labels    map[int]int // marker -> resolved offset.
	labelUses []labelUse

	relocs []Relocation

	finalized bool
}

// NewFunction begins a new function using the default x86 backend. It
// allocates its own marker's entry right away is the caller's job (the
// module assigns the marker before calling NewFunction), emits the
// standard prologue, and opens the entry block. Only i64 arguments are
// supported, and at most six, matching the SysV integer argument
// registers.
func NewFunction(module ModuleInfo, marker int, name string, argTypes []value.Type) (*Builder, error) {
	return NewFunctionWithBackend(module, marker, name, argTypes, X86Backend)
}

// NewFunctionWithBackend is NewFunction, but with the architecture
// backend the caller wants to target instead of the default x86 one.
// This is the vocabulary's sole extension point: every instruction the
// operation methods below emit themselves goes through backend. The
// moves, spills and reloads emitted by the register allocator are
// encoded with internal/x86 directly, whatever backend is given.
func NewFunctionWithBackend(module ModuleInfo, marker int, name string, argTypes []value.Type, backend Backend) (*Builder, error) {
	if len(argTypes) > len(x86.ArgRegisters) {
		return nil, errs.Contract(name, "function takes %d arguments, at most %d are supported", len(argTypes), len(x86.ArgRegisters))
	}
	for i, t := range argTypes {
		if t != value.I64 {
			return nil, errs.Contract(name, "argument %d has unsupported type %s", i, t)
		}
	}

	buf := buffer.New()

	push, movRbpRsp := backend.Prologue(x86.RBP, x86.RSP)
	buf.Append(push...)
	buf.Append(movRbpRsp...)

	before := buf.Len()
	sub := backend.SubRegImm32(x86.RSP, 0)
	buf.Append(sub...)
	subImmOffset := before + len(sub) - 4

	b := &Builder{
		name:              name,
		marker:            marker,
		module:            module,
		backend:           backend,
		buf:               buf,
		alloc:             regalloc.New(buf, name),
		blocks:            block.New(),
		types:             make(map[value.VReg]value.Type),
		ownLabels:         make(map[int]bool),
		labels:            make(map[int]int),
		prologueSubOffset: subImmOffset,
	}

	for i, t := range argTypes {
		v := b.newVReg(t)
		b.alloc.Seed(x86.ArgRegisters[i], v)
		b.args = append(b.args, v)
	}

	return b, nil
}

// Name returns the function's name, for diagnostics.
func (b *Builder) Name() string { return b.name }

// Marker returns the marker this function was declared under.
func (b *Builder) Marker() int { return b.marker }

// Buffer exposes the function's raw code buffer. The module linker
// uses this to patch relocation sites in place before copying the
// function's code into the executable mapping.
func (b *Builder) Buffer() *buffer.Buffer { return b.buf }

// Relocations returns the near-call and far-absolute relocations this
// function still needs resolved. Valid only after FinalizeFunction,
// by which point every intra-function label relocation has already
// been resolved and removed from consideration.
func (b *Builder) Relocations() []Relocation { return b.relocs }

func (b *Builder) newVReg(t value.Type) value.VReg {
	v := b.nextVReg
	b.nextVReg++
	b.types[v] = t
	return v
}

func (b *Builder) requireOpen() error {
	if b.blocks.Current() == nil {
		return errs.Contract(b.name, "operation requires an open block")
	}
	return nil
}

func (b *Builder) requireType(v value.VReg, want value.Type) error {
	t, ok := b.types[v]
	if !ok {
		return errs.Contract(b.name, "value %d is not known to this function", v)
	}
	if t != want {
		return errs.Contract(b.name, "value %d has type %s, want %s", v, t, want)
	}
	return nil
}

func (b *Builder) addNearReloc(offset, marker int) {
	b.relocs = append(b.relocs, Relocation{Kind: RelocNearCall, Offset: offset, Marker: marker})
}

func (b *Builder) addFarReloc(offset, marker int) {
	b.relocs = append(b.relocs, Relocation{Kind: RelocFarAbsolute, Offset: offset, Marker: marker})
}

func (b *Builder) addLabelUse(marker int, offset int) error {
	if !b.ownLabels[marker] {
		return errs.Contract(b.name, "label marker %d belongs to another function", marker)
	}
	b.labelUses = append(b.labelUses, labelUse{marker: marker, offset: offset})
	return nil
}

func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// Arg returns the VReg holding the i'th argument.
func (b *Builder) Arg(i int) (value.VReg, error) {
	if i < 0 || i >= len(b.args) {
		return value.Invalid, errs.Contract(b.name, "argument index %d out of range (function takes %d arguments)", i, len(b.args))
	}
	return b.args[i], nil
}

// ImmediateInt64 returns a new i64 VReg holding the literal constant v.
func (b *Builder) ImmediateInt64(v int64) value.VReg {
	r := b.newVReg(value.I64)
	b.alloc.SetLiteral(r, v)
	return r
}

// ImmediateInt32 returns a new i32 VReg holding the zero-extended
// literal constant v. I32 is accepted only as an immediate: every
// other operation rejects it.
func (b *Builder) ImmediateInt32(v int32) value.VReg {
	r := b.newVReg(value.I32)
	b.alloc.SetLiteral(r, int64(uint32(v)))
	return r
}

// ImmediateVoid returns a new void VReg. It occupies no location.
func (b *Builder) ImmediateVoid() value.VReg {
	return b.newVReg(value.Void)
}

// ImmediateFunction returns a new i64 VReg holding "address of marker",
// resolved at module link time. marker may name either a module-local
// function or an imported host function.
func (b *Builder) ImmediateFunction(marker int) value.VReg {
	r := b.newVReg(value.I64)
	b.alloc.SetRelocation(r, marker)
	return r
}

// LabelMarker reserves a fresh marker for use as a branch target
// within this function. Labels are drawn from the same module-wide
// marker namespace as functions, so branch and label can validate
// that a marker actually belongs to the function using it.
func (b *Builder) LabelMarker() int {
	m := b.module.NewMarker()
	b.ownLabels[m] = true
	return m
}

// Label resolves marker to the current code offset: every pending and
// future branch to it lands here. It is a ContractError to resolve a
// label from another function, or to resolve the same label twice.
func (b *Builder) Label(marker int) error {
	if !b.ownLabels[marker] {
		return errs.Contract(b.name, "label marker %d belongs to another function", marker)
	}
	if _, done := b.labels[marker]; done {
		return errs.Contract(b.name, "label marker %d already resolved", marker)
	}
	b.labels[marker] = b.buf.Len()
	return nil
}

// forceOperandReg materialises v into a host register, reusing its
// current register if it already has one, or emitting a copy-to into
// scratch (owned by the given sentinel VReg) otherwise. Callers must
// Drop(scratch) after the instruction using the returned register has
// been emitted, if isScratch is true.
func (b *Builder) forceOperandReg(v value.VReg, scratch value.VReg) (reg x86.Reg, isScratch bool, err error) {
	loc, ok := b.alloc.Location(v)
	if !ok {
		return 0, false, errs.Contract(b.name, "value %d has no known location", v)
	}
	if loc.Kind == value.HostReg {
		return loc.Reg, false, nil
	}

	reg, err = b.alloc.Allocate(scratch)
	if err != nil {
		return 0, false, err
	}
	relocOffset, isReloc, err := b.alloc.CopyInto(reg, v)
	if err != nil {
		return 0, false, err
	}
	if isReloc {
		b.addFarReloc(relocOffset, loc.Marker)
	}
	return reg, true, nil
}

// arith implements Add and Sub: allocate a fresh result VReg seeded
// from the first operand, then fold in the second as an immediate
// when it fits, or via a second host register otherwise.
func (b *Builder) arith(op string, a, c value.VReg) (value.VReg, error) {
	if err := b.requireOpen(); err != nil {
		return value.Invalid, err
	}
	if err := b.requireType(a, value.I64); err != nil {
		return value.Invalid, err
	}
	if err := b.requireType(c, value.I64); err != nil {
		return value.Invalid, err
	}

	aLoc, _ := b.alloc.Location(a)

	result := b.newVReg(value.I64)
	dst, err := b.alloc.Allocate(result)
	if err != nil {
		return value.Invalid, err
	}

	relocOffset, isReloc, err := b.alloc.CopyInto(dst, a)
	if err != nil {
		return value.Invalid, err
	}
	if isReloc {
		b.addFarReloc(relocOffset, aLoc.Marker)
	}

	cLoc, _ := b.alloc.Location(c)
	if cLoc.Kind == value.Literal && fitsInt32(cLoc.Literal) {
		imm := int32(cLoc.Literal)
		if op == "add" {
			b.buf.Append(b.backend.AddRegImm32(dst, imm)...)
		} else {
			b.buf.Append(b.backend.SubRegImm32(dst, imm)...)
		}
		return result, nil
	}

	rhs, isScratch, err := b.forceOperandReg(c, scratchRight)
	if err != nil {
		return value.Invalid, err
	}
	if op == "add" {
		b.buf.Append(b.backend.AddRegReg(dst, rhs)...)
	} else {
		b.buf.Append(b.backend.SubRegReg(dst, rhs)...)
	}
	if isScratch {
		b.alloc.Drop(scratchRight)
	}
	return result, nil
}

// Add returns a new VReg holding a + c.
func (b *Builder) Add(a, c value.VReg) (value.VReg, error) { return b.arith("add", a, c) }

// Sub returns a new VReg holding a - c.
func (b *Builder) Sub(a, c value.VReg) (value.VReg, error) { return b.arith("sub", a, c) }

// BranchIfEqual forces both operands into host registers, compares
// them, and emits a conditional branch to label if they are equal.
// It closes the current block, returning the snapshot a successor
// block must be opened from.
func (b *Builder) BranchIfEqual(label int, a, c value.VReg) (*regalloc.Snapshot, error) {
	if err := b.requireOpen(); err != nil {
		return nil, err
	}
	if err := b.requireType(a, value.I64); err != nil {
		return nil, err
	}
	if err := b.requireType(c, value.I64); err != nil {
		return nil, err
	}

	left, leftScratch, err := b.forceOperandReg(a, scratchLeft)
	if err != nil {
		return nil, err
	}
	right, rightScratch, err := b.forceOperandReg(c, scratchRight)
	if err != nil {
		return nil, err
	}

	b.buf.Append(b.backend.CmpRegReg(left, right)...)

	before := b.buf.Len()
	jcc := b.backend.JeRel32()
	b.buf.Append(jcc...)
	siteOffset := before + 2 // 0F 8x opcode precedes the rel32 field.
	if err := b.addLabelUse(label, siteOffset); err != nil {
		return nil, err
	}

	if leftScratch {
		b.alloc.Drop(scratchLeft)
	}
	if rightScratch {
		b.alloc.Drop(scratchRight)
	}

	return b.blocks.Close(b.alloc), nil
}

// Branch unconditionally jumps to label, closing the current block.
func (b *Builder) Branch(label int) (*regalloc.Snapshot, error) {
	if err := b.requireOpen(); err != nil {
		return nil, err
	}

	before := b.buf.Len()
	jmp := b.backend.JmpRel32()
	b.buf.Append(jmp...)
	siteOffset := before + 1 // 0xE9 opcode precedes the rel32 field.
	if err := b.addLabelUse(label, siteOffset); err != nil {
		return nil, err
	}

	return b.blocks.Close(b.alloc), nil
}

// BeginBB opens a new basic block, seeded from pred (the snapshot
// returned by whichever closing operation precedes it), or with no
// predecessor if pred is nil.
func (b *Builder) BeginBB(pred *regalloc.Snapshot) error {
	if b.blocks.Current() != nil {
		return errs.Contract(b.name, "begin_bb called with a block already open")
	}
	b.blocks.Open(b.alloc, pred)
	return nil
}

// Call spills every live host register, marshals args into the SysV
// integer argument registers, and emits either a near (rel32) call —
// if target is a module-local function marker — or a far call through
// a materialised register otherwise.
func (b *Builder) Call(target value.VReg, args []value.VReg, retType value.Type, argTypes []value.Type) (value.VReg, error) {
	if err := b.requireOpen(); err != nil {
		return value.Invalid, err
	}
	if len(args) > len(x86.ArgRegisters) {
		return value.Invalid, errs.Contract(b.name, "call takes %d arguments, at most %d are supported", len(args), len(x86.ArgRegisters))
	}
	if len(args) != len(argTypes) {
		return value.Invalid, errs.Contract(b.name, "call given %d arguments but %d argument types", len(args), len(argTypes))
	}
	for i, t := range argTypes {
		if t != value.I64 {
			return value.Invalid, errs.Contract(b.name, "call argument %d has unsupported type %s", i, t)
		}
	}

	if err := b.alloc.SpillAllRegisters(); err != nil {
		return value.Invalid, err
	}

	for i, a := range args {
		reg := x86.ArgRegisters[i]
		loc, ok := b.alloc.Location(a)
		if !ok {
			return value.Invalid, errs.Contract(b.name, "value %d has no known location", a)
		}
		relocOffset, isReloc, err := b.alloc.CopyInto(reg, a)
		if err != nil {
			return value.Invalid, err
		}
		if isReloc {
			b.addFarReloc(relocOffset, loc.Marker)
		}
		b.alloc.Seed(reg, argSentinel0-value.VReg(i))
	}

	targetLoc, ok := b.alloc.Location(target)
	if !ok {
		return value.Invalid, errs.Contract(b.name, "call target has no known location")
	}

	if targetLoc.Kind == value.Relocation && b.module.IsLocalFunction(targetLoc.Marker) {
		before := b.buf.Len()
		b.buf.Append(b.backend.CallRel32()...)
		b.addNearReloc(before+1, targetLoc.Marker)
	} else {
		reg, err := b.alloc.Allocate(scratchCall)
		if err != nil {
			return value.Invalid, err
		}
		relocOffset, isReloc, err := b.alloc.CopyInto(reg, target)
		if err != nil {
			return value.Invalid, err
		}
		if isReloc {
			b.addFarReloc(relocOffset, targetLoc.Marker)
		}
		b.buf.Append(b.backend.CallReg(reg)...)
		b.alloc.Drop(scratchCall)
	}

	for i := range args {
		b.alloc.Drop(argSentinel0 - value.VReg(i))
	}

	switch retType {
	case value.Void:
		return value.Invalid, nil
	case value.I64:
		result := b.newVReg(value.I64)
		b.alloc.Seed(x86.ReturnRegister, result)
		return result, nil
	default:
		return value.Invalid, errs.Contract(b.name, "call has unsupported return type %s", retType)
	}
}

// Ret materialises v into the return-value register (for I64) or
// nothing at all (for Void), emits the epilogue, and closes the
// current block. Any other type is a ContractError.
func (b *Builder) Ret(v value.VReg, t value.Type) (*regalloc.Snapshot, error) {
	if err := b.requireOpen(); err != nil {
		return nil, err
	}

	switch t {
	case value.I64:
		loc, ok := b.alloc.Location(v)
		if !ok {
			return nil, errs.Contract(b.name, "value %d has no known location", v)
		}
		relocOffset, isReloc, err := b.alloc.CopyInto(x86.ReturnRegister, v)
		if err != nil {
			return nil, err
		}
		if isReloc {
			b.addFarReloc(relocOffset, loc.Marker)
		}
	case value.Void:
		// Nothing to materialise.
	default:
		return nil, errs.Contract(b.name, "ret has unsupported type %s", t)
	}

	movRspRbp, pop, ret := b.backend.Epilogue(x86.RBP, x86.RSP)
	b.buf.Append(movRspRbp...)
	b.buf.Append(pop...)
	b.buf.Append(ret...)

	return b.blocks.Close(b.alloc), nil
}

// Discard tells the allocator that none of list's VRegs will be used
// again. The allocator is free to ignore this hint entirely, and does:
// Drop only matters for reclaiming registers and stack slots sooner,
// never for correctness, so discard has no observable effect here
// beyond documenting caller intent.
func (b *Builder) Discard(list []value.VReg) {}

// FinalizeFunction patches the prologue's frame-size immediate and
// resolves every intra-function label relocation. It fails if a block
// is still open, or if any label was branched to but never resolved.
// After this call, Relocations returns the near-call and far-absolute
// sites still pending for the module linker.
func (b *Builder) FinalizeFunction() error {
	if b.finalized {
		return errs.Contract(b.name, "function already finalized")
	}
	if b.blocks.Current() != nil {
		return errs.Contract(b.name, "finalize_function called with an open block")
	}

	size := b.alloc.Frame().RoundedSize()
	b.buf.WriteUint32At(b.prologueSubOffset, uint32(size))

	for _, use := range b.labelUses {
		offset, ok := b.labels[use.marker]
		if !ok {
			return errs.Contract(b.name, "label marker %d is branched to but never resolved", use.marker)
		}
		disp := int32(offset - (use.offset + 4))
		b.buf.WriteUint32At(use.offset, uint32(disp))
	}

	b.finalized = true
	return nil
}

// DebugDump renders a human-readable snapshot of the function: its
// blocks, the current location of every live VReg, and a hex dump of
// the code emitted so far.
func (b *Builder) DebugDump() Dump {
	code := append([]byte(nil), b.buf.Bytes()...)
	d := Dump{
		Name:   b.name,
		Blocks: len(b.blocks.Blocks()),
		Code:   code,
		Hex:    hexdump.Dump(code),
	}
	for v, t := range b.types {
		entry := ValueDump{VReg: v, Type: t}
		if loc, ok := b.alloc.Location(v); ok {
			entry.Location = loc.String()
		} else {
			entry.Location = "none"
		}
		d.Values = append(d.Values, entry)
	}
	sort.Slice(d.Values, func(i, j int) bool { return d.Values[i].VReg < d.Values[j].VReg })
	return d
}

// Dump is the structured result of DebugDump.
type Dump struct {
	Name   string
	Blocks int
	Values []ValueDump
	Code   []byte
	Hex    string // hexdump.Dump(Code): offset/hex/ASCII listing of the emitted bytes.
}

// ValueDump describes one VReg's static type and current location.
type ValueDump struct {
	VReg     value.VReg
	Type     value.Type
	Location string
}
