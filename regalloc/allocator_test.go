// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package regalloc

import (
	"testing"

	"mujit.dev/mujit/buffer"
	"mujit.dev/mujit/internal/x86"
	"mujit.dev/mujit/value"
)

func TestAllocateFillsFreeRegistersInFixedOrder(t *testing.T) {
	a := New(buffer.New(), "test")

	var got []x86.Reg
	for v := value.VReg(0); v < 9; v++ {
		reg, err := a.Allocate(v)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", v, err)
		}
		got = append(got, reg)
	}

	want := []x86.Reg{x86.RAX, x86.RCX, x86.RDX, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10, x86.R11}
	if len(got) != len(want) {
		t.Fatalf("got %d registers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("allocation %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAllocateSpillsSmallestVRegWhenFull(t *testing.T) {
	a := New(buffer.New(), "test")
	for v := value.VReg(0); v < 9; v++ {
		if _, err := a.Allocate(v); err != nil {
			t.Fatalf("Allocate(%d): %v", v, err)
		}
	}

	reg, err := a.Allocate(value.VReg(100))
	if err != nil {
		t.Fatalf("Allocate spill: %v", err)
	}

	loc, ok := a.Location(0)
	if !ok || loc.Kind != value.StackSlot {
		t.Fatalf("VReg 0 location = %+v, want it spilled to a stack slot", loc)
	}

	newLoc, ok := a.Location(100)
	if !ok || newLoc.Kind != value.HostReg || newLoc.Reg != reg {
		t.Errorf("VReg 100 location = %+v, want HostReg %s", newLoc, reg)
	}
}

func TestAllocateNeverEvictsAScratchSentinel(t *testing.T) {
	a := New(buffer.New(), "test")

	const scratchLeft = value.VReg(-2)
	a.Seed(x86.RAX, scratchLeft)
	for v := value.VReg(0); v < 8; v++ {
		if _, err := a.Allocate(v); err != nil {
			t.Fatalf("Allocate(%d): %v", v, err)
		}
	}

	// Every allocatable register is now occupied, one of them (RAX) by
	// a negative scratch sentinel rather than a real VReg. The next
	// allocation must spill VReg 0 — the smallest real occupant — and
	// leave the sentinel's register alone.
	if _, err := a.Allocate(value.VReg(100)); err != nil {
		t.Fatalf("Allocate spill: %v", err)
	}

	if occ := a.Occupant(x86.RAX); occ != scratchLeft {
		t.Errorf("Occupant(RAX) = %d, want the sentinel %d to survive eviction", occ, scratchLeft)
	}
	loc, ok := a.Location(0)
	if !ok || loc.Kind != value.StackSlot {
		t.Errorf("Location(0) = %+v, want VReg 0 spilled instead of the sentinel", loc)
	}
}

func TestSpillRejectsOffsetBeyondDisp8(t *testing.T) {
	a := New(buffer.New(), "test")
	f := a.Frame()
	// Pre-fill the frame so the next allocation lands past the disp8 bound.
	f.Alloc(maxDisp8, value.VReg(999))

	if _, err := a.Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if err := a.Spill(0, x86.RAX); err == nil {
		t.Error("Spill() at an out-of-range offset succeeded, want an error")
	}
}

func TestCopyIntoDoesNotChangeCanonicalLocation(t *testing.T) {
	a := New(buffer.New(), "test")
	a.SetLiteral(0, 42)

	if _, _, err := a.CopyInto(x86.RAX, 0); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}

	loc, ok := a.Location(0)
	if !ok || loc.Kind != value.Literal || loc.Literal != 42 {
		t.Errorf("Location(0) = %+v, want it to remain the literal", loc)
	}
}

func TestMoveIntoChangesCanonicalLocation(t *testing.T) {
	a := New(buffer.New(), "test")
	a.SetLiteral(0, 42)

	if _, _, err := a.MoveInto(x86.RAX, 0); err != nil {
		t.Fatalf("MoveInto: %v", err)
	}

	loc, ok := a.Location(0)
	if !ok || loc.Kind != value.HostReg || loc.Reg != x86.RAX {
		t.Errorf("Location(0) = %+v, want HostReg RAX", loc)
	}
	if occ := a.Occupant(x86.RAX); occ != 0 {
		t.Errorf("Occupant(RAX) = %d, want 0", occ)
	}
}

func TestCopyIntoRelocationReturnsPatchOffset(t *testing.T) {
	a := New(buffer.New(), "test")
	a.SetRelocation(0, 7)

	offset, isReloc, err := a.CopyInto(x86.RAX, 0)
	if err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if !isReloc {
		t.Fatal("CopyInto on a Relocation-kind value did not report isReloc")
	}
	if offset != 2 {
		t.Errorf("relocation offset = %d, want 2 (REX + opcode precede the imm64 field)", offset)
	}
}

func TestSnapshotRestoreIsIndependentOfLiveAllocator(t *testing.T) {
	a := New(buffer.New(), "test")
	if _, err := a.Allocate(0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	snap := a.Snapshot()

	// Mutate the live allocator after taking the snapshot.
	if _, err := a.Allocate(1); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Drop(0)

	if _, ok := snap.Locations[0]; !ok {
		t.Error("snapshot lost VReg 0 after the live allocator dropped it")
	}
	if _, ok := snap.Locations[1]; ok {
		t.Error("snapshot gained VReg 1, which was allocated after the snapshot was taken")
	}

	b := New(buffer.New(), "restored")
	b.Restore(snap)
	b.Drop(0)
	if _, ok := snap.Locations[0]; !ok {
		t.Error("Restore did not deep-copy the snapshot's location map")
	}
}

func TestSpillAllRegistersEmptiesOccupancy(t *testing.T) {
	a := New(buffer.New(), "test")
	for v := value.VReg(0); v < 3; v++ {
		if _, err := a.Allocate(v); err != nil {
			t.Fatalf("Allocate(%d): %v", v, err)
		}
	}

	if err := a.SpillAllRegisters(); err != nil {
		t.Fatalf("SpillAllRegisters: %v", err)
	}

	for v := value.VReg(0); v < 3; v++ {
		loc, ok := a.Location(v)
		if !ok || loc.Kind != value.StackSlot {
			t.Errorf("Location(%d) = %+v, want it spilled", v, loc)
		}
	}
	for _, r := range x86.GPRegisters {
		if r.Reserved() {
			continue
		}
		if occ := a.Occupant(r); occ != value.Invalid {
			t.Errorf("Occupant(%s) = %d, want free after SpillAllRegisters", r, occ)
		}
	}
}
