// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package function

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"mujit.dev/mujit/errs"
	"mujit.dev/mujit/hexdump"
	"mujit.dev/mujit/internal/x86"
	"mujit.dev/mujit/value"
)

// fakeModule is a minimal ModuleInfo for unit tests that don't need a
// real module/linker round trip.
type fakeModule struct {
	next  int
	local map[int]bool
}

func newFakeModule() *fakeModule { return &fakeModule{local: make(map[int]bool)} }

func (f *fakeModule) NewMarker() int {
	m := f.next
	f.next++
	return m
}

func (f *fakeModule) IsLocalFunction(marker int) bool { return f.local[marker] }

func (f *fakeModule) declareLocal() int {
	m := f.NewMarker()
	f.local[m] = true
	return m
}

func TestNewFunctionRejectsTooManyArguments(t *testing.T) {
	mod := newFakeModule()
	argTypes := make([]value.Type, 7)
	for i := range argTypes {
		argTypes[i] = value.I64
	}
	_, err := NewFunction(mod, mod.NewMarker(), "f", argTypes)
	if _, ok := err.(*errs.ContractError); !ok {
		t.Fatalf("NewFunction with 7 arguments: err = %v, want a ContractError", err)
	}
}

func TestNewFunctionSeedsArgsIntoABIRegisters(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64, value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	for i := 0; i < 2; i++ {
		arg, err := b.Arg(i)
		if err != nil {
			t.Fatalf("Arg(%d): %v", i, err)
		}
		if b.types[arg] != value.I64 {
			t.Errorf("Arg(%d) has type %s, want i64", i, b.types[arg])
		}
		if loc, ok := b.alloc.Location(arg); !ok || loc.Kind != value.HostReg || loc.Reg != x86.ArgRegisters[i] {
			t.Errorf("Arg(%d) location = %+v, want register %s", i, loc, x86.ArgRegisters[i])
		}
	}
	if _, err := b.Arg(2); err == nil {
		t.Error("Arg(2) on a 2-argument function succeeded, want an error")
	}
}

func TestAddWithImmediateUsesImm32Form(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	arg0, _ := b.Arg(0)
	five := b.ImmediateInt64(5)

	before := b.buf.Len()
	result, err := b.Add(arg0, five)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if result == value.Invalid {
		t.Fatal("Add returned Invalid")
	}
	if b.buf.Len() <= before {
		t.Error("Add emitted no code")
	}
	loc, ok := b.alloc.Location(result)
	if !ok || loc.Kind != value.HostReg {
		t.Fatalf("result location = %+v, want HostReg", loc)
	}
	want := x86.EncodeAddRegImm32(loc.Reg, 5)
	code := b.buf.Bytes()
	if diff := cmp.Diff(want, code[len(code)-len(want):]); diff != "" {
		t.Errorf("Add did not end with the add-imm32 form (-want +got):\n%s", diff)
	}
}

func TestBranchIfEqualRejectsForeignLabel(t *testing.T) {
	modA := newFakeModule()
	a, err := NewFunction(modA, modA.NewMarker(), "a", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	c, err := NewFunction(modA, modA.NewMarker(), "c", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}

	foreignLabel := c.LabelMarker()
	arg0, _ := a.Arg(0)
	zero := a.ImmediateInt64(0)

	if _, err := a.BranchIfEqual(foreignLabel, arg0, zero); err == nil {
		t.Error("BranchIfEqual with a foreign label succeeded, want an error")
	}
}

func TestLabelAndFinalizePatchesBranch(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}

	arg0, _ := b.Arg(0)
	zero := b.ImmediateInt64(0)
	label := b.LabelMarker()

	snap, err := b.BranchIfEqual(label, arg0, zero)
	if err != nil {
		t.Fatalf("BranchIfEqual: %v", err)
	}

	if err := b.BeginBB(snap); err != nil {
		t.Fatalf("BeginBB: %v", err)
	}
	one := b.ImmediateInt64(1)
	if _, err := b.Ret(one, value.I64); err != nil {
		t.Fatalf("Ret: %v", err)
	}

	if err := b.BeginBB(snap); err != nil {
		t.Fatalf("BeginBB: %v", err)
	}
	if err := b.Label(label); err != nil {
		t.Fatalf("Label: %v", err)
	}
	two := b.ImmediateInt64(2)
	if _, err := b.Ret(two, value.I64); err != nil {
		t.Fatalf("Ret: %v", err)
	}

	if err := b.FinalizeFunction(); err != nil {
		t.Fatalf("FinalizeFunction: %v", err)
	}

	use := b.labelUses[0]
	offset := b.labels[label]
	gotDisp := int32(b.buf.Bytes()[use.offset]) |
		int32(b.buf.Bytes()[use.offset+1])<<8 |
		int32(b.buf.Bytes()[use.offset+2])<<16 |
		int32(b.buf.Bytes()[use.offset+3])<<24
	wantDisp := int32(offset - (use.offset + 4))
	if gotDisp != wantDisp {
		t.Errorf("patched displacement = %d, want %d", gotDisp, wantDisp)
	}
}

func TestFinalizeFunctionRejectsOpenBlock(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	if err := b.FinalizeFunction(); err == nil {
		t.Error("FinalizeFunction with an open block succeeded, want an error")
	}
}

func TestFinalizeFunctionRejectsUnresolvedLabel(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	arg0, _ := b.Arg(0)
	zero := b.ImmediateInt64(0)
	label := b.LabelMarker()
	snap, err := b.BranchIfEqual(label, arg0, zero)
	if err != nil {
		t.Fatalf("BranchIfEqual: %v", err)
	}
	if err := b.BeginBB(snap); err != nil {
		t.Fatalf("BeginBB: %v", err)
	}
	if _, err := b.Ret(zero, value.I64); err != nil {
		t.Fatalf("Ret: %v", err)
	}

	if err := b.FinalizeFunction(); err == nil {
		t.Error("FinalizeFunction with an unresolved label succeeded, want an error")
	}
}

func TestCallToLocalFunctionEmitsNearRelocation(t *testing.T) {
	mod := newFakeModule()
	selfMarker := mod.declareLocal()
	b, err := NewFunction(mod, selfMarker, "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	arg0, _ := b.Arg(0)
	target := b.ImmediateFunction(selfMarker)

	result, err := b.Call(target, []value.VReg{arg0}, value.I64, []value.Type{value.I64})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result == value.Invalid {
		t.Fatal("Call returned Invalid for an i64-returning call")
	}

	relocs := b.Relocations()
	if len(relocs) != 1 || relocs[0].Kind != RelocNearCall || relocs[0].Marker != selfMarker {
		t.Errorf("Relocations() = %+v, want exactly one near-call relocation to marker %d", relocs, selfMarker)
	}
}

func TestCallToImportedFunctionEmitsFarRelocation(t *testing.T) {
	mod := newFakeModule()
	importMarker := mod.NewMarker() // Not registered as local => call treats it as imported.
	b, err := NewFunction(mod, mod.NewMarker(), "f", nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	target := b.ImmediateFunction(importMarker)

	if _, err := b.Call(target, nil, value.Void, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	relocs := b.Relocations()
	if len(relocs) != 1 || relocs[0].Kind != RelocFarAbsolute || relocs[0].Marker != importMarker {
		t.Errorf("Relocations() = %+v, want exactly one far-absolute relocation to marker %d", relocs, importMarker)
	}
}

func TestRetVoidEmitsNoMaterialisation(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	v := b.ImmediateVoid()
	if _, err := b.Ret(v, value.Void); err != nil {
		t.Fatalf("Ret(void): %v", err)
	}
}

func TestRetRejectsUnsupportedType(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	v := b.ImmediateInt32(1)
	if _, err := b.Ret(v, value.I32); err == nil {
		t.Error("Ret with an i32 value succeeded, want a ContractError")
	}
}

func TestDiscardHasNoObservableEffect(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	arg0, _ := b.Arg(0)
	b.Discard([]value.VReg{arg0})

	loc, ok := b.alloc.Location(arg0)
	if !ok || loc.Kind != value.HostReg {
		t.Errorf("Discard changed arg0's location to %+v", loc)
	}
}

// buildIdempotenceSample emits sum(n) = n == 0 ? 0 : n + sum(n - 1)
// against mod: the same two-way block join and self-recursive call
// shape TestIdempotentCodeGeneration builds twice over, once per
// module, to compare.
func buildIdempotenceSample(mod ModuleInfo) (*Builder, error) {
	marker := mod.NewMarker()
	b, err := NewFunction(mod, marker, "sum", []value.Type{value.I64})
	if err != nil {
		return nil, err
	}

	n, err := b.Arg(0)
	if err != nil {
		return nil, err
	}
	zero := b.ImmediateInt64(0)
	one := b.ImmediateInt64(1)

	baseCase := b.LabelMarker()
	entrySnap, err := b.BranchIfEqual(baseCase, n, zero)
	if err != nil {
		return nil, err
	}

	if err := b.BeginBB(entrySnap); err != nil {
		return nil, err
	}
	nMinus1, err := b.Sub(n, one)
	if err != nil {
		return nil, err
	}
	self := b.ImmediateFunction(marker)
	recursed, err := b.Call(self, []value.VReg{nMinus1}, value.I64, []value.Type{value.I64})
	if err != nil {
		return nil, err
	}
	result, err := b.Add(n, recursed)
	if err != nil {
		return nil, err
	}
	if _, err := b.Ret(result, value.I64); err != nil {
		return nil, err
	}

	if err := b.BeginBB(entrySnap); err != nil {
		return nil, err
	}
	if err := b.Label(baseCase); err != nil {
		return nil, err
	}
	if _, err := b.Ret(zero, value.I64); err != nil {
		return nil, err
	}

	if err := b.FinalizeFunction(); err != nil {
		return nil, err
	}
	return b, nil
}

// TestIdempotentCodeGeneration builds the same instruction sequence
// into two independent modules and checks the resulting code is
// byte-identical. Neither builder ever resolves a relocation against
// an absolute address (that happens only at module link time), so the
// comparison needs no masking: every byte either encodes an
// instruction or is a still-unpatched relocation placeholder, and both
// are deterministic functions of the instruction sequence alone.
func TestIdempotentCodeGeneration(t *testing.T) {
	first, err := buildIdempotenceSample(newFakeModule())
	if err != nil {
		t.Fatalf("building first copy: %v", err)
	}
	second, err := buildIdempotenceSample(newFakeModule())
	if err != nil {
		t.Fatalf("building second copy: %v", err)
	}

	if diff := cmp.Diff(first.Buffer().Bytes(), second.Buffer().Bytes()); diff != "" {
		t.Errorf("two independent builds of the same sequence differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Relocations(), second.Relocations()); diff != "" {
		t.Errorf("relocation lists differ (-first +second):\n%s", diff)
	}
}

func TestDebugDumpReflectsCode(t *testing.T) {
	mod := newFakeModule()
	b, err := NewFunction(mod, mod.NewMarker(), "f", []value.Type{value.I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	arg0, _ := b.Arg(0)
	if _, err := b.Ret(arg0, value.I64); err != nil {
		t.Fatalf("Ret: %v", err)
	}

	dump := b.DebugDump()
	if dump.Name != "f" {
		t.Errorf("dump.Name = %q, want %q", dump.Name, "f")
	}
	if len(dump.Code) == 0 {
		t.Error("dump.Code is empty")
	}
	if len(dump.Values) == 0 {
		t.Error("dump.Values is empty")
	}
	if want := hexdump.Dump(dump.Code); dump.Hex != want {
		t.Errorf("dump.Hex = %q, want hexdump.Dump(dump.Code) = %q", dump.Hex, want)
	}
}
