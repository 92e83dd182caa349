// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package regalloc

import (
	"mujit.dev/mujit/buffer"
	"mujit.dev/mujit/errs"
	"mujit.dev/mujit/internal/x86"
	"mujit.dev/mujit/value"
)

// Allocator tracks where every live VReg in one function builder
// currently lives: the 16-entry host-register map, the stack-frame
// map and the VReg location map, and emits the code needed to move
// values between locations.
//
// RSP, RBP, RBX and R12-R15 are never assigned to hold a VReg — they
// are callee-saved, and the allocator elects not to save or restore
// them.
type Allocator struct {
	buf       *buffer.Buffer
	where     string
	regs      [16]value.VReg // occupant of each register, value.Invalid if free.
	frame     *Frame
	locations map[value.VReg]value.Location
}

// New creates an allocator writing into buf. where names the function,
// for error messages.
func New(buf *buffer.Buffer, where string) *Allocator {
	a := &Allocator{
		buf:       buf,
		where:     where,
		frame:     NewFrame(),
		locations: make(map[value.VReg]value.Location),
	}
	for i := range a.regs {
		a.regs[i] = value.Invalid
	}
	return a
}

// Frame returns the allocator's stack-frame map.
func (a *Allocator) Frame() *Frame { return a.frame }

// Location returns the current location of v, and whether v is known
// to the allocator at all.
func (a *Allocator) Location(v value.VReg) (value.Location, bool) {
	loc, ok := a.locations[v]
	return loc, ok
}

// SetLiteral records v as holding a known constant. It occupies no
// register or stack slot until materialised.
func (a *Allocator) SetLiteral(v value.VReg, literal int64) {
	a.locations[v] = value.Location{Kind: value.Literal, Literal: literal}
}

// SetRelocation records v as holding "address of marker". It occupies
// no register or stack slot until materialised.
func (a *Allocator) SetRelocation(v value.VReg, marker int) {
	a.locations[v] = value.Location{Kind: value.Relocation, Marker: marker}
}

// Seed directly occupies reg with v, without scanning for a free
// register. This is used to seed argument VRegs into their ABI
// registers at function entry.
func (a *Allocator) Seed(reg x86.Reg, v value.VReg) {
	a.regs[reg] = v
	a.locations[v] = value.Location{Kind: value.HostReg, Reg: reg}
}

// Occupant returns the VReg currently occupying reg, or value.Invalid.
func (a *Allocator) Occupant(reg x86.Reg) value.VReg { return a.regs[reg] }

// Drop marks v as no longer needed, freeing any register or stack
// slot it occupies. The function builder calls it to release its
// scratch sentinels; Builder.Discard does not call it, and the
// allocator never calls it unprompted.
func (a *Allocator) Drop(v value.VReg) {
	loc, ok := a.locations[v]
	if !ok {
		return
	}

	switch loc.Kind {
	case value.HostReg:
		a.regs[loc.Reg] = value.Invalid
	case value.StackSlot:
		a.frame.Free(loc.Offset, 8)
	}

	delete(a.locations, v)
}

// Allocate picks a host register to hold owner: the first free,
// non-reserved register in fixed index order, or — if none are free —
// the occupant with the smallest VReg id, spilled to make room
//.
//
// Negative occupants (the function package's scratch sentinels, used
// to pin a register for the remainder of one in-flight instruction)
// are never picked as the victim: they aren't real, droppable VRegs,
// and evicting one here would silently repoint whichever local
// variable is still holding that register number mid-instruction at
// a different value entirely. Only real, non-negative VRegs compete
// for "smallest id" eviction.
func (a *Allocator) Allocate(owner value.VReg) (x86.Reg, error) {
	for _, r := range x86.GPRegisters {
		if r.Reserved() {
			continue
		}
		if a.regs[r] == value.Invalid {
			a.regs[r] = owner
			a.locations[owner] = value.Location{Kind: value.HostReg, Reg: r}
			return r, nil
		}
	}

	victim := value.Invalid
	var victimReg x86.Reg
	for _, r := range x86.GPRegisters {
		if r.Reserved() {
			continue
		}
		occ := a.regs[r]
		if occ >= 0 && (victim == value.Invalid || occ < victim) {
			victim, victimReg = occ, r
		}
	}

	if victim == value.Invalid {
		return 0, errs.Contract(a.where, "no register available to spill")
	}

	if err := a.Spill(victim, victimReg); err != nil {
		return 0, err
	}

	a.regs[victimReg] = owner
	a.locations[owner] = value.Location{Kind: value.HostReg, Reg: victimReg}
	return victimReg, nil
}

// Spill evicts v from reg to a first-fit stack slot, emitting the
// store and updating the frame's high-water mark.
func (a *Allocator) Spill(v value.VReg, reg x86.Reg) error {
	offset := a.frame.Alloc(8, v)
	if !FitsDisp8(offset) {
		return errs.Contract(a.where, "stack frame offset %d exceeds the signed disp8 range", offset)
	}

	a.buf.Append(x86.EncodeStoreFrame(int8(offset), reg)...)
	a.regs[reg] = value.Invalid
	a.locations[v] = value.Location{Kind: value.StackSlot, Offset: offset}
	return nil
}

// CopyInto materialises v's current value into dst without changing
// v's canonical location ("copy-to"). If v is a pending relocation,
// CopyInto returns the buffer offset of the 8-byte placeholder so the
// caller can register a far relocation there.
func (a *Allocator) CopyInto(dst x86.Reg, v value.VReg) (relocOffset int, isReloc bool, err error) {
	loc, ok := a.locations[v]
	if !ok {
		return 0, false, errs.Contract(a.where, "value %d has no known location", v)
	}

	switch loc.Kind {
	case value.HostReg:
		if loc.Reg != dst {
			a.buf.Append(x86.EncodeMovRegReg(dst, loc.Reg)...)
		}
	case value.StackSlot:
		a.buf.Append(x86.EncodeLoadFrame(dst, int8(loc.Offset))...)
	case value.Literal:
		a.buf.Append(x86.EncodeMovRegImm64(dst, uint64(loc.Literal))...)
	case value.Relocation:
		before := a.buf.Len()
		a.buf.Append(x86.EncodeMovRegImm64(dst, 0)...)
		return before + 2, true, nil // +2: REX prefix byte + opcode byte precede the imm64 field.
	default:
		return 0, false, errs.Contract(a.where, "value %d has no materialisable location", v)
	}

	return 0, false, nil
}

// MoveInto materialises v into dst and makes dst the new canonical
// location for v ("move-to"), releasing v's previous home.
func (a *Allocator) MoveInto(dst x86.Reg, v value.VReg) (relocOffset int, isReloc bool, err error) {
	relocOffset, isReloc, err = a.CopyInto(dst, v)
	if err != nil {
		return 0, false, err
	}

	old := a.locations[v]
	switch old.Kind {
	case value.HostReg:
		if old.Reg != dst {
			a.regs[old.Reg] = value.Invalid
		}
	case value.StackSlot:
		a.frame.Free(old.Offset, 8)
	}

	a.regs[dst] = v
	a.locations[v] = value.Location{Kind: value.HostReg, Reg: dst}
	return relocOffset, isReloc, nil
}

// SpillAllRegisters evicts every VReg currently occupying an
// allocatable register to the stack. This is the conservative,
// liveness-free strategy the call sequence uses to protect live
// values across a call.
func (a *Allocator) SpillAllRegisters() error {
	for _, r := range x86.GPRegisters {
		if r.Reserved() {
			continue
		}
		if v := a.regs[r]; v != value.Invalid {
			if err := a.Spill(v, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvictRegister frees reg by spilling whatever currently occupies it,
// if anything.
func (a *Allocator) EvictRegister(reg x86.Reg) error {
	if v := a.regs[reg]; v != value.Invalid {
		return a.Spill(v, reg)
	}
	return nil
}

// Snapshot captures the allocator's three maps as of the current
// instruction, to seed a new block when a branch from here becomes one
// of its predecessors.
type Snapshot struct {
	Locations map[value.VReg]value.Location
	Regs      [16]value.VReg
	Frame     *Frame
}

// Snapshot deep-copies the allocator's current state.
func (a *Allocator) Snapshot() *Snapshot {
	locs := make(map[value.VReg]value.Location, len(a.locations))
	for k, v := range a.locations {
		locs[k] = v
	}
	return &Snapshot{
		Locations: locs,
		Regs:      a.regs,
		Frame:     a.frame.Clone(),
	}
}

// Restore replaces the allocator's state with a deep copy of snap,
// so that further emission does not alias the predecessor block that
// produced it. The frame's high-water mark is the larger of the
// current one and snap's, so space claimed in an earlier block is
// still counted when the prologue's frame size is patched.
func (a *Allocator) Restore(snap *Snapshot) {
	locs := make(map[value.VReg]value.Location, len(snap.Locations))
	for k, v := range snap.Locations {
		locs[k] = v
	}
	a.locations = locs
	a.regs = snap.Regs
	highWater := a.frame.highWater
	a.frame = snap.Frame.Clone()
	if highWater > a.frame.highWater {
		a.frame.highWater = highWater
	}
}
