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

// lower emits one instruction. The switch names every opcode; run
// tools/lowercheck after adding one.
func (cg *CodeGenerator) lower(ins *Instruction) {
	cg.checkAllocations(ins)
	if ins.CanFail() && ins.Snapshot == nil {
		abortf(ErrMissingSnapshot, "%s can fail but has no snapshot", ins.Op)
	}
	switch ins.Op {
	case OpValue:
		cg.visitValue(ins)
	case OpOsrValue:
		cg.visitOsrValue(ins)
	case OpBox:
		cg.visitBox(ins)
	case OpBoxDouble:
		cg.visitBoxDouble(ins)
	case OpUnbox:
		cg.visitUnbox(ins)
	case OpUnboxDouble:
		cg.visitUnboxDouble(ins)
	case OpLoadSlotV:
		cg.visitLoadSlotV(ins)
	case OpLoadSlotT:
		cg.visitLoadSlotT(ins)
	case OpStoreSlotT:
		cg.visitStoreSlotT(ins)
	case OpLoadElementT:
		cg.visitLoadElementT(ins)
	case OpStoreElementT:
		cg.visitStoreElementT(ins)
	case OpBoundsCheck:
		cg.visitBoundsCheck(ins)
	case OpImplicitThis:
		cg.visitImplicitThis(ins)
	case OpRecompileCheck:
		cg.visitRecompileCheck(ins)
	case OpInterruptCheck:
		cg.visitInterruptCheck(ins)
	case OpCallVM:
		cg.visitCallVM(ins)
	case OpCompareB:
		cg.visitCompareB(ins)
	case OpCompareBAndBranch:
		cg.visitCompareBAndBranch(ins)
	case OpCompareV:
		cg.visitCompareV(ins)
	case OpCompareVAndBranch:
		cg.visitCompareVAndBranch(ins)
	case OpGoto:
		cg.gotoBlock(ins.Successors[0])
	case OpReturnValue:
		cg.visitReturnValue(ins)
	case OpAsmLoadHeap:
		cg.visitAsmLoadHeap(ins)
	case OpAsmStoreHeap:
		cg.visitAsmStoreHeap(ins)
	case OpAsmLoadGlobalVar:
		cg.visitAsmLoadGlobalVar(ins)
	case OpAsmStoreGlobalVar:
		cg.visitAsmStoreGlobalVar(ins)
	case OpAsmLoadFuncPtr:
		cg.visitAsmLoadFuncPtr(ins)
	case OpAsmLoadFFIFunc:
		cg.visitAsmLoadFFIFunc(ins)
	case OpAsmCall:
		cg.visitAsmCall(ins)
	default:
		panic(assertf("no lowering for %s", ins.Op))
	}
}
