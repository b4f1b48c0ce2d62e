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
	"github.com/launix-de/ionjit/ion/x86"
)

func (cg *CodeGenerator) visitLoadSlotV(ins *Instruction) {
	base := cg.toRegister(ins.Operands[0])
	cg.masm.loadValue(x86.Address(base, ins.mir().Slot), cg.defValue(ins))
}

// visitLoadSlotT reads the payload of a slot whose type is known. A slot
// typed double may still hold an int32, which is converted.
func (cg *CodeGenerator) visitLoadSlotT(ins *Instruction) {
	base := cg.toRegister(ins.Operands[0])
	src := x86.Address(base, ins.mir().Slot)
	if ins.mir().Type == MIRTypeDouble {
		cg.masm.loadInt32OrDouble(src, cg.toFloatRegister(ins.Defs[0]))
		return
	}
	cg.masm.EmitMovLoad(cg.toRegister(ins.Defs[0]), src.Offset(PayloadOffset))
}

func (cg *CodeGenerator) visitStoreSlotT(ins *Instruction) {
	mir := ins.mir()
	base := cg.toRegister(ins.Operands[0])
	dest := x86.Address(base, mir.Slot)
	if mir.NeedsBarrier {
		cg.emitPreBarrier(dest)
	}
	cg.storeTyped(ins.Operands[1], mir.ValueType, mir.SlotType, dest)
}

// storeTyped writes a typed value into a boxed slot. Doubles are stored
// untagged; other types write the tag only if the slot's declared type
// differs, since a slot of that type already carries it.
func (cg *CodeGenerator) storeTyped(value Allocation, valueType, slotType MIRType, dest x86.Operand) {
	m := cg.masm
	if valueType == MIRTypeDouble {
		if value.IsConstant() {
			m.storeConstValue(value.Const, dest)
			return
		}
		m.EmitMovsdStore(dest, cg.toFloatRegister(value))
		return
	}
	if valueType != slotType {
		m.storeTypeTag(tagOf(valueType), dest)
	}
	if value.IsConstant() {
		m.storePayloadConst(value.Const, dest)
		if isGCThing(value.Const) {
			cg.addReloc(RelocGCPointer, int32(m.Size())-4, 0)
		}
		return
	}
	m.storePayloadReg(cg.toRegister(value), dest)
}

// emitPreBarrier calls the PreBarrier VM function on the old contents of
// dest while the zone's barrier flag is set. All allocatable registers are
// preserved around the call.
func (cg *CodeGenerator) emitPreBarrier(dest x86.Operand) {
	m := cg.masm
	ool := cg.addOutOfLineCode("prebarrier", func(ool *OutOfLineCode) {
		m.EmitPushad()
		cg.pushed += 32
		m.EmitLea(x86.EAX, dest)
		cg.callVM(vmPreBarrier, wordArgs(GPR(x86.EAX)), StoreNothing(), 0)
		m.EmitPopad()
		cg.pushed -= 32
		cg.rejoin(ool)
	})
	pos := m.EmitCmpImm32(x86.AbsoluteAddress(cg.runtimeAddress(cg.info.BarrierFlagAddr, "barrier flag")), 0)
	cg.addReloc(RelocRuntimeAddress, pos, cg.info.BarrierFlagAddr)
	m.EmitJcc(x86.NotEqual, ool.entry)
	cg.bindRejoin(ool)
}
