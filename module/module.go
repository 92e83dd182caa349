// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package module implements the module and linker: the owner of a
// module's marker namespace, its declared functions and host-function
// imports, and the step that lays them out in executable memory and
// resolves every relocation.
package module

import (
	"math"

	"mujit.dev/mujit/errs"
	"mujit.dev/mujit/function"
	"mujit.dev/mujit/mem"
	"mujit.dev/mujit/value"
)

// Module owns the marker namespace shared by every function declared
// within it (functions and their labels alike), plus its host-function
// imports.
type Module struct {
	nextMarker int

	functions map[int]*function.Builder
	order     []int // Declaration order; also the eventual code layout order.

	imports     map[int]uintptr
	importNames map[int]string
}

// New returns an empty module.
func New() *Module {
	return &Module{
		functions:   make(map[int]*function.Builder),
		imports:     make(map[int]uintptr),
		importNames: make(map[int]string),
	}
}

// NewMarker allocates a fresh, module-wide unique marker.
func (m *Module) NewMarker() int {
	id := m.nextMarker
	m.nextMarker++
	return id
}

// IsLocalFunction reports whether marker names a function declared in
// this module, as opposed to an import or a label.
func (m *Module) IsLocalFunction(marker int) bool {
	_, ok := m.functions[marker]
	return ok
}

// DeclareFunction allocates a fresh marker, begins building a function
// under it, and registers it with the module in declaration order —
// the order functions are laid out in the eventual executable mapping.
// The function targets the default x86 backend.
func (m *Module) DeclareFunction(name string, argTypes []value.Type) (*function.Builder, int, error) {
	return m.DeclareFunctionWithBackend(name, argTypes, function.X86Backend)
}

// DeclareFunctionWithBackend is DeclareFunction, but targeting the
// given backend instead of the default x86 one — the module-level
// side of function's sole extension point for other targets.
func (m *Module) DeclareFunctionWithBackend(name string, argTypes []value.Type, backend function.Backend) (*function.Builder, int, error) {
	marker := m.NewMarker()
	b, err := function.NewFunctionWithBackend(m, marker, name, argTypes, backend)
	if err != nil {
		return nil, 0, err
	}
	m.functions[marker] = b
	m.order = append(m.order, marker)
	return b, marker, nil
}

// ImportFunction registers a native host function at a fresh marker,
// so JIT-compiled code can call out to it via the same call op used
// for module-local functions. fn must follow the SysV integer calling
// convention. The call op never sets AL, so a variadic import (such
// as printf) must be given no floating-point arguments.
func (m *Module) ImportFunction(name string, fn uintptr) int {
	marker := m.NewMarker()
	m.imports[marker] = fn
	m.importNames[marker] = name
	return marker
}

// Linked is the result of a successful Link: a published executable
// mapping and the resolved address of every marker in it.
type Linked struct {
	region  *mem.Region
	entries map[int]uintptr
}

// Entry returns the resolved address of marker — a module-local
// function's entry point, or an imported host function's pointer.
func (l *Linked) Entry(marker int) (uintptr, bool) {
	addr, ok := l.entries[marker]
	return addr, ok
}

// Close releases the underlying executable mapping. After Close, every
// address returned by Entry is dangling.
func (l *Linked) Close() error {
	return l.region.Unmap()
}

// Link lays out every declared function sequentially in a freshly
// mapped region, resolves every pending relocation against the
// region's final base address, copies the patched code in, and flips
// the mapping from writable to executable.
//
// Every function must already have been finalised; Link does not call
// FinalizeFunction itself, since only the caller knows whether more
// operations are still pending against a given builder.
func (m *Module) Link() (*Linked, error) {
	offsets := make(map[int]int, len(m.order))
	total := 0
	for _, marker := range m.order {
		offsets[marker] = total
		total += len(m.functions[marker].Buffer().Bytes())
	}

	region, err := mem.NewWritable(total)
	if err != nil {
		return nil, err
	}

	base := region.Addr()

	entries := make(map[int]uintptr, len(m.order)+len(m.imports))
	for _, marker := range m.order {
		entries[marker] = base + uintptr(offsets[marker])
	}
	for marker, fn := range m.imports {
		entries[marker] = fn
	}

	for _, marker := range m.order {
		fb := m.functions[marker]
		siteBase := base + uintptr(offsets[marker])
		for _, r := range fb.Relocations() {
			target, ok := entries[r.Marker]
			if !ok {
				return nil, errs.Contract(fb.Name(), "relocation refers to unresolved marker %d", r.Marker)
			}

			switch r.Kind {
			case function.RelocNearCall:
				site := int64(siteBase) + int64(r.Offset)
				disp := int64(target) - (site + 4)
				if disp < math.MinInt32 || disp > math.MaxInt32 {
					return nil, errs.Contract(fb.Name(), "call to marker %d is out of range of a 32-bit displacement", r.Marker)
				}
				fb.Buffer().WriteUint32At(r.Offset, uint32(int32(disp)))
			case function.RelocFarAbsolute:
				fb.Buffer().WriteUint64At(r.Offset, uint64(target))
			}
		}
	}

	dst := region.Bytes()
	for _, marker := range m.order {
		fb := m.functions[marker]
		copy(dst[offsets[marker]:], fb.Buffer().Bytes())
	}

	if err := region.MakeExecutable(); err != nil {
		return nil, err
	}

	return &Linked{region: region, entries: entries}, nil
}
