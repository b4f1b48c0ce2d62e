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

func isGCThing(v Value) bool {
	t := v.Type()
	return t == ValueTypeObject || t == ValueTypeString
}

// tagOf is MIRTypeToTag for types taken from the graph: a type without a
// tag aborts the compilation.
func tagOf(t MIRType) Tag {
	if t == MIRTypeDouble || !t.IsBoxable() {
		abortf(ErrMalformedGraph, "type %s has no tag", t)
	}
	return MIRTypeToTag(t)
}

func (cg *CodeGenerator) visitValue(ins *Instruction) {
	v := ins.mir().Constant
	pos := cg.masm.moveValue(v, cg.defValue(ins))
	if isGCThing(v) {
		cg.addReloc(RelocGCPointer, pos, 0)
	}
}

func (cg *CodeGenerator) visitOsrValue(ins *Instruction) {
	frame := cg.toRegister(ins.Operands[0])
	cg.masm.loadValue(x86.Address(frame, ins.mir().FrameOffset), cg.defValue(ins))
}

// visitBox tags a typed payload. The payload register is reused as is;
// only the type register is written.
func (cg *CodeGenerator) visitBox(ins *Instruction) {
	m := cg.masm
	t := ins.mir().Type
	typeReg := cg.toRegister(ins.Defs[TypeIndex])
	m.EmitMovRegImm32(typeReg, uint32(tagOf(t)))
	if len(ins.Defs) <= PayloadIndex {
		return
	}
	out := cg.toRegister(ins.Defs[PayloadIndex])
	switch in := ins.Operands[0]; in.Kind {
	case AllocGPR:
		if in.Reg != out {
			m.EmitMovRegReg(out, in.Reg)
		}
	case AllocConstant:
		pos := m.EmitMovRegImm32(out, in.Const.Payload())
		if isGCThing(in.Const) {
			cg.addReloc(RelocGCPointer, pos, 0)
		}
	default:
		m.EmitMovLoad(out, cg.toOperand(in))
	}
}

func (cg *CodeGenerator) visitBoxDouble(ins *Instruction) {
	cg.masm.boxDouble(cg.toFloatRegister(ins.Operands[0]), cg.defValue(ins))
}

// visitUnbox checks the tag when the front-end could not prove it; the
// payload is the unboxed value, so no further code is needed.
func (cg *CodeGenerator) visitUnbox(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	if typ := ins.Operands[TypeIndex]; mir.Fallible && typ.IsConstant() {
		if typ.Const.Tag() != tagOf(mir.Type) {
			cg.bailout(ins.Snapshot)
		}
	} else if mir.Fallible {
		m.EmitCmpImm32(cg.toOperand(ins.Operands[TypeIndex]), tagOf(mir.Type).Imm())
		cg.bailoutIf(x86.NotEqual, ins.Snapshot)
	}
	payload := ins.Operands[PayloadIndex]
	out := cg.toRegister(ins.Defs[0])
	switch payload.Kind {
	case AllocGPR:
		if payload.Reg != out {
			m.EmitMovRegReg(out, payload.Reg)
		}
	case AllocConstant:
		m.EmitMovRegImm32(out, payload.Const.Payload())
	default:
		m.EmitMovLoad(out, cg.toOperand(payload))
	}
}

// visitUnboxDouble accepts int32 and double values and bails on the rest.
func (cg *CodeGenerator) visitUnboxDouble(ins *Instruction) {
	m := cg.masm
	v := cg.toValue(ins.Operands, 0)
	out := cg.toFloatRegister(ins.Defs[0])
	notInt32 := m.ReserveLabel()
	done := m.ReserveLabel()

	m.testTag(v.Type, TagInt32)
	m.EmitJcc(x86.NotEqual, notInt32)
	m.EmitCvtsi2sd(out, x86.R(v.Payload))
	m.EmitJmp(done)

	m.MarkLabel(notInt32)
	m.testTag(v.Type, TagClear)
	cg.bailoutIf(x86.AboveOrEqual, ins.Snapshot)
	m.unboxDouble(v, out)
	m.MarkLabel(done)
}
