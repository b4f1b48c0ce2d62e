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

// elementOperand addresses element index of a dense elements vector.
func (cg *CodeGenerator) elementOperand(elements x86.Register, index Allocation) x86.Operand {
	if index.IsConstant() {
		return x86.Address(elements, constantInt32(index)*SizeOfValue)
	}
	r := cg.toRegister(index)
	if r == x86.ESP {
		abortf(ErrMalformedGraph, "esp as element index")
	}
	return x86.BaseIndex(elements, r, x86.TimesEight, 0)
}

func (cg *CodeGenerator) visitLoadElementT(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	src := cg.elementOperand(cg.toRegister(ins.Operands[0]), ins.Operands[1])
	if mir.NeedsHoleCheck {
		cg.bailoutIf(m.testMagic(src), ins.Snapshot)
	}
	if mir.Type == MIRTypeDouble {
		out := cg.toFloatRegister(ins.Defs[0])
		if mir.LoadDoubles {
			m.EmitMovsdLoad(out, src)
		} else {
			m.loadInt32OrDouble(src, out)
		}
		return
	}
	m.EmitMovLoad(cg.toRegister(ins.Defs[0]), src.Offset(PayloadOffset))
}

func (cg *CodeGenerator) visitStoreElementT(ins *Instruction) {
	m := cg.masm
	mir := ins.mir()
	dest := cg.elementOperand(cg.toRegister(ins.Operands[0]), ins.Operands[1])
	if mir.NeedsBarrier {
		cg.emitPreBarrier(dest)
	}
	if mir.NeedsHoleCheck {
		cg.bailoutIf(m.testMagic(dest), ins.Snapshot)
	}
	cg.storeTyped(ins.Operands[2], mir.ValueType, mir.SlotType, dest)
}

// visitBoundsCheck bails when index >= length, compared unsigned so that
// negative indexes fail as well.
func (cg *CodeGenerator) visitBoundsCheck(ins *Instruction) {
	m := cg.masm
	index, length := ins.Operands[0], ins.Operands[1]
	switch {
	case index.IsConstant() && length.IsConstant():
		if uint32(constantInt32(index)) >= uint32(constantInt32(length)) {
			cg.bailout(ins.Snapshot)
		}
	case index.IsConstant():
		m.EmitCmpImm32(cg.toOperand(length), constantInt32(index))
		cg.bailoutIf(x86.BelowOrEqual, ins.Snapshot)
	case length.IsConstant():
		m.EmitCmpImm32(cg.toOperand(index), constantInt32(length))
		cg.bailoutIf(x86.AboveOrEqual, ins.Snapshot)
	case length.IsRegister():
		m.EmitCmpRegReg(length.Reg, cg.toRegister(index))
		cg.bailoutIf(x86.BelowOrEqual, ins.Snapshot)
	default:
		m.EmitCmpMemReg(cg.toOperand(length), cg.toRegister(index))
		cg.bailoutIf(x86.BelowOrEqual, ins.Snapshot)
	}
}
