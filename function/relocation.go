// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package function

// RelocKind distinguishes the two relocation shapes that survive a
// function's own finalisation and must be resolved by the module
// linker. Intra-function label
// relocations are resolved entirely within FinalizeFunction and never
// appear here.
type RelocKind uint8

const (
	// RelocNearCall is a `call rel32` site: the 32-bit displacement
	// is target_absolute_addr - (reloc_site_absolute_addr + 4).
	RelocNearCall RelocKind = iota
	// RelocFarAbsolute is a `mov reg, imm64` placeholder: the 64-bit
	// field is overwritten with the target's absolute address.
	RelocFarAbsolute
)

func (k RelocKind) String() string {
	if k == RelocNearCall {
		return "near-call"
	}
	return "far-absolute"
}

// Relocation records one site in this function's code that the module
// linker must patch once every marker has been resolved to an address
//.
type Relocation struct {
	Kind   RelocKind
	Offset int // Byte offset, within this function's own buffer, of the placeholder.
	Marker int // The marker whose resolved address is patched in.
}

// labelUse is a pending intra-function branch relocation: a rel32 site
// that refers to one of this function's own label markers. These are
// entirely resolved by FinalizeFunction and never leave the package.
type labelUse struct {
	marker int
	offset int // Byte offset of the rel32 field.
}
