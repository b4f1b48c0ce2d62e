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

// cmpWords compares one half of two operands for equality. half selects
// which word of a constant is meant; a constant lhs is swapped to the right.
func (cg *CodeGenerator) cmpWords(lhs, rhs Allocation, half int) {
	m := cg.masm
	word := func(a Allocation) int32 {
		if half == TypeIndex {
			return int32(a.Const.TagWord())
		}
		return int32(a.Const.Payload())
	}
	if lhs.IsConstant() {
		lhs, rhs = rhs, lhs
	}
	switch {
	case lhs.IsConstant():
		abortf(ErrMalformedGraph, "comparison of two constants")
	case rhs.IsConstant():
		m.EmitCmpImm32(cg.toOperand(lhs), word(rhs))
	case lhs.IsRegister() && rhs.IsRegister():
		m.EmitCmpRegReg(lhs.Reg, rhs.Reg)
	case lhs.IsRegister():
		m.EmitCmpRegMem(lhs.Reg, cg.toOperand(rhs))
	case rhs.IsRegister():
		m.EmitCmpMemReg(cg.toOperand(lhs), rhs.Reg)
	default:
		abortf(ErrMalformedGraph, "comparison of two memory operands")
	}
}

// equalityOnly rejects relational operators for boxed comparisons.
func equalityOnly(op JSOp) {
	if !op.IsEquality() {
		abortf(ErrMalformedGraph, "boxed comparison with %s", op)
	}
}

// strictOnly rejects everything but strict (in)equality against booleans;
// loose comparisons coerce and are not lowered here.
func strictOnly(op JSOp) {
	if op != JSOpStrictEq && op != JSOpStrictNe {
		abortf(ErrMalformedGraph, "boolean comparison with %s", op)
	}
}

// visitCompareB compares a boxed value against a boolean. A value of any
// other type is unequal; the result is then true exactly for strict
// inequality.
func (cg *CodeGenerator) visitCompareB(ins *Instruction) {
	m := cg.masm
	op := ins.mir().JSOp
	strictOnly(op)
	lhsType := cg.toRegister(ins.Operands[TypeIndex])
	out := cg.toRegister(ins.Defs[0])
	notBoolean := m.ReserveLabel()
	done := m.ReserveLabel()

	m.branchTestBoolean(x86.NotEqual, lhsType, notBoolean)
	cg.cmpWords(ins.Operands[PayloadIndex], ins.Operands[2], PayloadIndex)
	m.emitSet(op.Condition(), out)
	m.EmitJmp(done)

	m.MarkLabel(notBoolean)
	var result uint32
	if op == JSOpStrictNe {
		result = 1
	}
	m.EmitMovRegImm32(out, result)
	m.MarkLabel(done)
}

func (cg *CodeGenerator) visitCompareBAndBranch(ins *Instruction) {
	m := cg.masm
	op := ins.mir().JSOp
	strictOnly(op)
	ifTrue, ifFalse := ins.Successors[0], ins.Successors[1]
	lhsType := cg.toRegister(ins.Operands[TypeIndex])

	m.testTag(lhsType, TagBoolean)
	if op == JSOpStrictNe {
		cg.jumpToBlock(ifTrue, x86.NotEqual)
	} else {
		cg.jumpToBlock(ifFalse, x86.NotEqual)
	}
	cg.cmpWords(ins.Operands[PayloadIndex], ins.Operands[2], PayloadIndex)
	cg.emitBranch(op.Condition(), ifTrue, ifFalse)
}

// visitCompareV compares two boxed values of statically comparable types:
// equal iff both tag and payload words are equal.
func (cg *CodeGenerator) visitCompareV(ins *Instruction) {
	m := cg.masm
	op := ins.mir().JSOp
	equalityOnly(op)
	out := cg.toRegister(ins.Defs[0])
	notEqual := m.ReserveLabel()
	done := m.ReserveLabel()

	cg.cmpWords(ins.Operands[TypeIndex], ins.Operands[BoxPieces+TypeIndex], TypeIndex)
	m.EmitJcc(x86.NotEqual, notEqual)
	cg.cmpWords(ins.Operands[PayloadIndex], ins.Operands[BoxPieces+PayloadIndex], PayloadIndex)
	m.emitSet(op.Condition(), out)
	m.EmitJmp(done)

	m.MarkLabel(notEqual)
	var result uint32
	if op == JSOpNe || op == JSOpStrictNe {
		result = 1
	}
	m.EmitMovRegImm32(out, result)
	m.MarkLabel(done)
}

func (cg *CodeGenerator) visitCompareVAndBranch(ins *Instruction) {
	op := ins.mir().JSOp
	equalityOnly(op)
	ifTrue, ifFalse := ins.Successors[0], ins.Successors[1]
	cc := op.Condition()
	unequal := ifFalse
	if cc == x86.NotEqual {
		unequal = ifTrue
	}
	cg.cmpWords(ins.Operands[TypeIndex], ins.Operands[BoxPieces+TypeIndex], TypeIndex)
	cg.jumpToBlock(unequal, x86.NotEqual)
	cg.cmpWords(ins.Operands[PayloadIndex], ins.Operands[BoxPieces+PayloadIndex], PayloadIndex)
	cg.emitBranch(cc, ifTrue, ifFalse)
}
