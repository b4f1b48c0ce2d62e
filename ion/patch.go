/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package ion

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
)

// RelocKind classifies an external reference in emitted code.
type RelocKind uint8

const (
	RelocVMCall           RelocKind = iota // rel32 to a VM function, Target = function ID
	RelocTrampoline                        // rel32 to a bailout trampoline, Target = class index
	RelocExceptionHandler                  // rel32 to the exception handler
	RelocRuntimeAddress                    // abs32 already baked in (interrupt flag, use counter)
	RelocGCPointer                         // abs32 immediate holding a GC thing
)

var relocKindNames = [...]string{"vmcall", "trampoline", "exception", "runtime", "gcptr"}

func (k RelocKind) String() string {
	if int(k) < len(relocKindNames) {
		return relocKindNames[k]
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// Relocation is one external reference at code offset At. Target is an
// ID for VM calls and trampolines and an address for the exception
// handler, 0 when the linker supplies it.
type Relocation struct {
	Kind   RelocKind
	At     uint32
	Target uint32
}

// PatchKind classifies the asm.js accesses the module linker rewrites.
type PatchKind uint8

const (
	PatchHeapLoad PatchKind = iota
	PatchHeapStore
	PatchGlobalLoad
	PatchGlobalStore
	PatchFuncPtrLoad
	PatchFFIFuncLoad
	PatchBuiltinCall
	PatchInternalCall
)

var patchKindNames = [...]string{"heapload", "heapstore", "globalload", "globalstore", "funcptr", "ffifunc", "builtincall", "internalcall"}

func (k PatchKind) String() string {
	if int(k) < len(patchKindNames) {
		return patchKindNames[k]
	}
	return fmt.Sprintf("patch(%d)", uint8(k))
}

// PatchRecord marks a 32-bit field the linker rewrites. [Start, End) covers
// the instructions of the access, which the fault handler needs to skip a
// faulting heap access; PatchAt is the displacement or rel32 field.
type PatchRecord struct {
	Start   uint32
	End     uint32
	PatchAt uint32
	Logical uint32 // global data offset, builtin id or function index
	Kind    PatchKind
	Loc     Allocation // result or value register of a heap access
}

func patchRecordLess(a, b PatchRecord) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.PatchAt < b.PatchAt
}

// patchRecorder keeps the records of one compilation ordered by start.
type patchRecorder struct {
	tree *btree.BTreeG[PatchRecord]
}

func newPatchRecorder() *patchRecorder {
	return &patchRecorder{tree: btree.NewG[PatchRecord](8, patchRecordLess)}
}

func (p *patchRecorder) note(r PatchRecord) {
	if r.End <= r.Start || r.PatchAt < r.Start || r.PatchAt+4 > r.End {
		panic(assertf("bad patch range %d..%d at %d", r.Start, r.End, r.PatchAt))
	}
	p.tree.ReplaceOrInsert(r)
	stats.patchRecords.Add(1)
}

func (p *patchRecorder) records() []PatchRecord {
	result := make([]PatchRecord, 0, p.tree.Len())
	p.tree.Ascend(func(r PatchRecord) bool {
		result = append(result, r)
		return true
	})
	return result
}

// FindHeapAccess returns the heap access covering pc.
func (c *CompiledCode) FindHeapAccess(pc uint32) (PatchRecord, bool) {
	var found PatchRecord
	ok := false
	c.patchIndex.DescendLessOrEqual(PatchRecord{Start: pc, PatchAt: ^uint32(0)}, func(r PatchRecord) bool {
		if r.Kind != PatchHeapLoad && r.Kind != PatchHeapStore {
			return true
		}
		if pc < r.End {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// LinkBases are the addresses a module provides when its functions are
// linked into place.
type LinkBases struct {
	CodeAddress      uint32 // where the linked copy will be mapped
	HeapBase         uint32
	GlobalBase       uint32
	ExceptionHandler uint32
	Builtins         map[uint32]uint32 // builtin id -> address
	Functions        map[uint32]uint32 // function index -> address
	VMFunctions      map[uint32]uint32 // VM function id -> address
	Trampolines      map[uint32]uint32 // trampoline index -> address
}

// Link returns a copy of the code with every patch record and relocation
// resolved. The compiled code itself is left untouched.
func Link(c *CompiledCode, bases LinkBases) ([]byte, error) {
	out := make([]byte, len(c.Code))
	copy(out, c.Code)
	addAbs := func(at, base uint32) {
		v := binary.LittleEndian.Uint32(out[at:])
		binary.LittleEndian.PutUint32(out[at:], v+base)
	}
	setRel := func(at, target uint32) {
		binary.LittleEndian.PutUint32(out[at:], target-(bases.CodeAddress+at+4))
	}
	lookup := func(m map[uint32]uint32, id uint32, what string) (uint32, error) {
		addr, ok := m[id]
		if !ok {
			return 0, fmt.Errorf("ion: link %s: no address for %s %d", c.Name, what, id)
		}
		return addr, nil
	}

	for _, r := range c.Patches {
		switch r.Kind {
		case PatchHeapLoad, PatchHeapStore:
			addAbs(r.PatchAt, bases.HeapBase)
		case PatchGlobalLoad, PatchGlobalStore, PatchFuncPtrLoad, PatchFFIFuncLoad:
			addAbs(r.PatchAt, bases.GlobalBase)
		case PatchBuiltinCall:
			addr, err := lookup(bases.Builtins, r.Logical, "builtin")
			if err != nil {
				return nil, err
			}
			setRel(r.PatchAt, addr)
		case PatchInternalCall:
			addr, err := lookup(bases.Functions, r.Logical, "function")
			if err != nil {
				return nil, err
			}
			setRel(r.PatchAt, addr)
		}
	}
	for _, r := range c.Relocs {
		switch r.Kind {
		case RelocVMCall:
			addr, err := lookup(bases.VMFunctions, r.Target, "vm function")
			if err != nil {
				return nil, err
			}
			setRel(r.At, addr)
		case RelocTrampoline:
			addr, err := lookup(bases.Trampolines, r.Target, "trampoline")
			if err != nil {
				return nil, err
			}
			setRel(r.At, addr)
		case RelocExceptionHandler:
			addr := bases.ExceptionHandler
			if addr == 0 {
				addr = r.Target
			}
			if addr == 0 {
				return nil, fmt.Errorf("ion: link %s: no exception handler", c.Name)
			}
			setRel(r.At, addr)
		}
	}
	stats.linked.Add(1)
	return out, nil
}
