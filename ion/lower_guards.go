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

// visitImplicitThis produces undefined when the callee's environment is
// the global object and bails otherwise. The scope chain is not walked.
func (cg *CodeGenerator) visitImplicitThis(ins *Instruction) {
	m := cg.masm
	callee := cg.toRegister(ins.Operands[0])
	out := cg.defValue(ins)
	m.EmitMovLoad(out.Type, x86.Address(callee, cg.info.EnvironmentOffset))
	m.EmitCmpImm32(x86.R(out.Type), int32(cg.info.GlobalObject))
	cg.addReloc(RelocGCPointer, int32(m.Size())-4, cg.info.GlobalObject)
	cg.bailoutIf(x86.NotEqual, ins.Snapshot)
	m.moveValue(BoxUndefined(), out)
}

// visitRecompileCheck counts executions in the script's use counter and
// bails once it reaches the threshold, handing control to the recompile
// policy.
func (cg *CodeGenerator) visitRecompileCheck(ins *Instruction) {
	m := cg.masm
	counter := x86.AbsoluteAddress(cg.runtimeAddress(cg.info.UseCountAddr, "use counter"))
	pos := m.EmitAddImm32(counter, 1)
	cg.addReloc(RelocRuntimeAddress, pos, cg.info.UseCountAddr)
	pos = m.EmitCmpImm32(counter, int32(ins.mir().MinUses))
	cg.addReloc(RelocRuntimeAddress, pos, cg.info.UseCountAddr)
	cg.bailoutIf(x86.AboveOrEqual, ins.Snapshot)
}

// visitInterruptCheck polls the interrupt flag; the slow path calls into
// the runtime, which may throw.
func (cg *CodeGenerator) visitInterruptCheck(ins *Instruction) {
	m := cg.masm
	ool := cg.oolCallVM(vmInterruptCheck, nil, StoreNothing(), ins.LiveRegs)
	pos := m.EmitCmpImm32(x86.AbsoluteAddress(cg.runtimeAddress(cg.info.InterruptFlagAddr, "interrupt flag")), 0)
	cg.addReloc(RelocRuntimeAddress, pos, cg.info.InterruptFlagAddr)
	m.EmitJcc(x86.NotEqual, ool.entry)
	cg.bindRejoin(ool)
}

// visitCallVM calls a registered VM function inline.
func (cg *CodeGenerator) visitCallVM(ins *Instruction) {
	name := ins.mir().VMFunction
	fn := LookupVMFunction(name)
	if fn == nil {
		abortf(ErrUnknownVMFunction, "%q", name)
	}
	var out ResultStore
	switch fn.Out {
	case OutNothing:
		out = StoreNothing()
	case OutWord:
		if len(ins.Defs) < 1 {
			abortf(ErrMalformedGraph, "%s result has no definition", fn.Name)
		}
		out = StoreRegisterTo(cg.toRegister(ins.Defs[0]))
	case OutValue:
		if len(ins.Defs) < BoxPieces {
			abortf(ErrMalformedGraph, "%s result has no definition", fn.Name)
		}
		out = StoreValueTo(cg.defValue(ins))
	}
	cg.callVM(fn, vmArgs(fn, ins.Operands), out, ins.LiveRegs)
}

// visitReturnValue leaves the function with the value in ECX:EDX.
func (cg *CodeGenerator) visitReturnValue(ins *Instruction) {
	m := cg.masm
	cg.moveValueTo(ins.Operands[TypeIndex], ins.Operands[PayloadIndex], x86.JSReturnRegType, x86.JSReturnRegData)
	if cg.frameSize > 0 {
		m.EmitAddImm32(x86.R(x86.ESP), int32(cg.frameSize))
	}
	m.EmitRet()
}

// moveValueTo moves a type/payload pair into two fixed registers, ordering
// the moves so that neither source is overwritten before it is read.
func (cg *CodeGenerator) moveValueTo(typ, payload Allocation, dstType, dstPayload x86.Register) {
	m := cg.masm
	if typ.IsRegister() && payload.IsRegister() && typ.Reg == dstPayload && payload.Reg == dstType {
		m.EmitXchgRegReg(dstType, dstPayload)
		return
	}
	if payload.IsRegister() && payload.Reg == dstType {
		cg.moveWord(payload, dstPayload, false)
		cg.moveWord(typ, dstType, true)
		return
	}
	cg.moveWord(typ, dstType, true)
	cg.moveWord(payload, dstPayload, false)
}

// moveWord loads one half of a value into dst.
func (cg *CodeGenerator) moveWord(src Allocation, dst x86.Register, typeWord bool) {
	m := cg.masm
	switch src.Kind {
	case AllocGPR:
		if src.Reg != dst {
			m.EmitMovRegReg(dst, src.Reg)
		}
	case AllocConstant:
		if typeWord {
			m.EmitMovRegImm32(dst, src.Const.TagWord())
			return
		}
		pos := m.EmitMovRegImm32(dst, src.Const.Payload())
		if isGCThing(src.Const) {
			cg.addReloc(RelocGCPointer, pos, 0)
		}
	default:
		m.EmitMovLoad(dst, cg.toOperand(src))
	}
}

// runtimeAddress checks that the embedder provided an address the code
// is about to bake in.
func (cg *CodeGenerator) runtimeAddress(addr uint32, what string) uint32 {
	if addr == 0 {
		abortf(ErrMalformedGraph, "no %s address", what)
	}
	return addr
}
