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
	"math"

	"github.com/launix-de/ionjit/ion/x86"
)

/*
asm.js accesses
---------------

Heap accesses address [ptr + disp32] with a zero displacement; the module
linker adds the heap base into the field, so every access carries a patch
record. Globals are addressed absolutely as [globalDataOffset] and get the
global data base added the same way. There is no bounds check here: out of
range accesses fault and the fault handler finds the access by pc.
*/

func (cg *CodeGenerator) notePatch(kind PatchKind, start uint32, patchAt int32, logical uint32, loc Allocation) {
	if patchAt < 0 {
		panic(assertf("%s access without 32-bit field", kind))
	}
	cg.patches.note(PatchRecord{
		Start:   start,
		End:     cg.masm.Size(),
		PatchAt: uint32(patchAt),
		Logical: logical,
		Kind:    kind,
		Loc:     loc,
	})
}

func (cg *CodeGenerator) visitAsmLoadHeap(ins *Instruction) {
	m := cg.masm
	vt := ins.mir().ViewType
	src := x86.Address(cg.toRegister(ins.Operands[0]), 0).Patchable()
	out := ins.Defs[0]
	start := m.Size()
	var at int32
	switch vt {
	case ViewInt8:
		at = m.EmitMovsxByte(cg.toRegister(out), src)
	case ViewUint8:
		at = m.EmitMovzxByte(cg.toRegister(out), src)
	case ViewInt16:
		at = m.EmitMovsxWord(cg.toRegister(out), src)
	case ViewUint16:
		at = m.EmitMovzxWord(cg.toRegister(out), src)
	case ViewInt32, ViewUint32:
		at = m.EmitMovLoad(cg.toRegister(out), src)
	case ViewFloat32:
		// the widening belongs to the same access
		dst := cg.toFloatRegister(out)
		at = m.EmitMovssLoad(dst, src)
		m.EmitCvtss2sd(dst, dst)
	case ViewFloat64:
		at = m.EmitMovsdLoad(cg.toFloatRegister(out), src)
	default:
		abortf(ErrMalformedGraph, "load of view %s", vt)
	}
	cg.notePatch(PatchHeapLoad, start, at, 0, out)
}

func (cg *CodeGenerator) visitAsmStoreHeap(ins *Instruction) {
	m := cg.masm
	vt := ins.mir().ViewType
	dst := x86.Address(cg.toRegister(ins.Operands[0]), 0).Patchable()
	value := ins.Operands[1]

	if vt == ViewFloat32 && !value.IsConstant() {
		// narrow first so that the recorded range is the store alone
		m.EmitCvtsd2ss(x86.ScratchFloatReg, cg.toFloatRegister(value))
		start := m.Size()
		at := m.EmitMovssStore(dst, x86.ScratchFloatReg)
		cg.notePatch(PatchHeapStore, start, at, 0, value)
		return
	}

	start := m.Size()
	var at int32
	if value.IsConstant() {
		imm := constantWord(value.Const)
		switch vt {
		case ViewInt8, ViewUint8:
			at = m.EmitMovByteMemImm8(dst, uint8(imm))
		case ViewInt16, ViewUint16:
			at = m.EmitMovWordMemImm16(dst, uint16(imm))
		case ViewInt32, ViewUint32:
			at = m.EmitMovMemImm32(dst, imm)
		case ViewFloat32:
			at = m.EmitMovMemImm32(dst, math.Float32bits(float32(constantDouble(value.Const))))
		default:
			abortf(ErrMalformedGraph, "constant store to %s view", vt)
		}
		cg.notePatch(PatchHeapStore, start, at, 0, value)
		return
	}
	switch vt {
	case ViewInt8, ViewUint8:
		r := cg.toRegister(value)
		if !r.HasByteForm() {
			abortf(ErrMalformedGraph, "byte store from %s", r)
		}
		at = m.EmitMovByteStore(dst, r)
	case ViewInt16, ViewUint16:
		at = m.EmitMovWordStore(dst, cg.toRegister(value))
	case ViewInt32, ViewUint32:
		at = m.EmitMovStore(dst, cg.toRegister(value))
	case ViewFloat64:
		at = m.EmitMovsdStore(dst, cg.toFloatRegister(value))
	default:
		abortf(ErrMalformedGraph, "store to view %s", vt)
	}
	cg.notePatch(PatchHeapStore, start, at, 0, value)
}

// constantWord is the integer bit pattern a constant stores as.
func constantWord(v Value) uint32 {
	if v.IsDouble() {
		return uint32(int32(v.Double()))
	}
	return v.Payload()
}

func constantDouble(v Value) float64 {
	if v.IsDouble() {
		return v.Double()
	}
	return float64(int32(v.Payload()))
}

func (cg *CodeGenerator) visitAsmLoadGlobalVar(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	src := x86.AbsoluteAddress(mir.GlobalDataOffset)
	start := m.Size()
	var at int32
	switch mir.Type {
	case MIRTypeInt32:
		at = m.EmitMovLoad(cg.toRegister(ins.Defs[0]), src)
	case MIRTypeDouble:
		at = m.EmitMovsdLoad(cg.toFloatRegister(ins.Defs[0]), src)
	default:
		abortf(ErrMalformedGraph, "global of type %s", mir.Type)
	}
	cg.notePatch(PatchGlobalLoad, start, at, mir.GlobalDataOffset, ins.Defs[0])
}

func (cg *CodeGenerator) visitAsmStoreGlobalVar(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	dst := x86.AbsoluteAddress(mir.GlobalDataOffset)
	value := ins.Operands[0]
	start := m.Size()
	var at int32
	switch mir.ValueType {
	case MIRTypeInt32:
		if value.IsConstant() {
			at = m.EmitMovMemImm32(dst, constantWord(value.Const))
		} else {
			at = m.EmitMovStore(dst, cg.toRegister(value))
		}
	case MIRTypeDouble:
		at = m.EmitMovsdStore(dst, cg.toFloatRegister(value))
	default:
		abortf(ErrMalformedGraph, "global of type %s", mir.ValueType)
	}
	cg.notePatch(PatchGlobalStore, start, at, mir.GlobalDataOffset, value)
}

// visitAsmLoadFuncPtr loads entry index of a function pointer table that
// lives in global data.
func (cg *CodeGenerator) visitAsmLoadFuncPtr(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	index := cg.toRegister(ins.Operands[0])
	if index == x86.ESP {
		abortf(ErrMalformedGraph, "esp as table index")
	}
	start := m.Size()
	at := m.EmitMovLoad(cg.toRegister(ins.Defs[0]), x86.IndexAbsolute(index, x86.TimesFour, mir.GlobalDataOffset))
	cg.notePatch(PatchFuncPtrLoad, start, at, mir.GlobalDataOffset, ins.Defs[0])
}

func (cg *CodeGenerator) visitAsmLoadFFIFunc(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	start := m.Size()
	at := m.EmitMovLoad(cg.toRegister(ins.Defs[0]), x86.AbsoluteAddress(mir.GlobalDataOffset))
	cg.notePatch(PatchFFIFuncLoad, start, at, mir.GlobalDataOffset, ins.Defs[0])
}

// visitAsmCall calls another module function, a builtin or a function
// pointer. Arguments are already in place.
func (cg *CodeGenerator) visitAsmCall(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	start := m.Size()
	switch mir.CalleeKind {
	case CalleeInternal:
		at := m.EmitCallExternal()
		cg.notePatch(PatchInternalCall, start, at, mir.CalleeIndex, Allocation{})
	case CalleeBuiltin:
		at := m.EmitCallExternal()
		cg.notePatch(PatchBuiltinCall, start, at, mir.CalleeIndex, Allocation{})
	case CalleeDynamic:
		if len(ins.Operands) < 1 {
			abortf(ErrMalformedGraph, "dynamic call without callee")
		}
		m.EmitCallReg(cg.toRegister(ins.Operands[0]))
	}
	cg.postAsmCall(ins)
}

// postAsmCall moves the result to its definition. Builtins follow the C
// ABI and return doubles on the x87 stack.
func (cg *CodeGenerator) postAsmCall(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	if len(ins.Defs) == 0 {
		return
	}
	out := ins.Defs[0]
	switch mir.Type {
	case MIRTypeDouble:
		if mir.CalleeKind == CalleeBuiltin {
			m.EmitSubImm32(x86.R(x86.ESP), 8)
			m.EmitFstpDouble(x86.Address(x86.ESP, 0))
			m.EmitMovsdLoad(x86.ReturnFloatReg, x86.Address(x86.ESP, 0))
			m.EmitAddImm32(x86.R(x86.ESP), 8)
		}
		if dst := cg.toFloatRegister(out); dst != x86.ReturnFloatReg {
			m.EmitMovsdRegReg(dst, x86.ReturnFloatReg)
		}
	default:
		if dst := cg.toRegister(out); dst != x86.ReturnReg {
			m.EmitMovRegReg(dst, x86.ReturnReg)
		}
	}
}
