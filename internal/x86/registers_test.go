// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import "testing"

func TestReservedRegisters(t *testing.T) {
	reserved := map[Reg]bool{RSP: true, RBP: true, RBX: true, R12: true, R13: true, R14: true, R15: true}
	for _, r := range GPRegisters {
		if got, want := r.Reserved(), reserved[r]; got != want {
			t.Errorf("%s.Reserved() = %v, want %v", r, got, want)
		}
	}
}

func TestAllocatableCount(t *testing.T) {
	var n int
	for _, r := range GPRegisters {
		if !r.Reserved() {
			n++
		}
	}
	if n != 9 {
		t.Errorf("allocatable register count = %d, want 9", n)
	}
}

func TestNeedsREX(t *testing.T) {
	for _, r := range []Reg{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI} {
		if r.NeedsREX() {
			t.Errorf("%s.NeedsREX() = true, want false", r)
		}
	}
	for _, r := range []Reg{R8, R9, R10, R11, R12, R13, R14, R15} {
		if !r.NeedsREX() {
			t.Errorf("%s.NeedsREX() = false, want true", r)
		}
	}
}

func TestArgRegistersOrder(t *testing.T) {
	want := [6]Reg{RDI, RSI, RDX, RCX, R8, R9}
	if ArgRegisters != want {
		t.Errorf("ArgRegisters = %v, want %v", ArgRegisters, want)
	}
}
