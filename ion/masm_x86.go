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

// TargetArch names the instruction set this build generates code for.
const TargetArch = "x86"

// ValueOperand is a boxed value held in a register pair.
type ValueOperand struct {
	Type    x86.Register
	Payload x86.Register
}

func (v ValueOperand) aliases(r x86.Register) bool {
	return v.Type == r || v.Payload == r
}

// MacroAssembler adds the nunbox32 value idioms on top of the raw encoder.
type MacroAssembler struct {
	*x86.Assembler
}

func newMacroAssembler(limit int) *MacroAssembler {
	return &MacroAssembler{x86.NewAssembler(limit)}
}

// moveValue materializes a constant value into a register pair. The
// returned position is the payload immediate, for GC pointer relocations.
func (m *MacroAssembler) moveValue(v Value, out ValueOperand) int32 {
	m.EmitMovRegImm32(out.Type, v.TagWord())
	return m.EmitMovRegImm32(out.Payload, v.Payload())
}

// loadValue reads a boxed value from memory. If the base register is one
// of the outputs it is overwritten last.
func (m *MacroAssembler) loadValue(src x86.Operand, out ValueOperand) {
	baseClobbered := src.Kind != x86.OpAbsolute && (src.Base == out.Payload || (src.Kind == x86.OpBaseIndex && src.Index == out.Payload))
	if baseClobbered {
		m.EmitMovLoad(out.Type, src.Offset(TypeOffset))
		m.EmitMovLoad(out.Payload, src.Offset(PayloadOffset))
		return
	}
	m.EmitMovLoad(out.Payload, src.Offset(PayloadOffset))
	m.EmitMovLoad(out.Type, src.Offset(TypeOffset))
}

func (m *MacroAssembler) storeValue(v ValueOperand, dst x86.Operand) {
	m.EmitMovStore(dst.Offset(PayloadOffset), v.Payload)
	m.EmitMovStore(dst.Offset(TypeOffset), v.Type)
}

// storeTypeTag writes only the tag word of a slot.
func (m *MacroAssembler) storeTypeTag(tag Tag, dst x86.Operand) {
	m.EmitMovMemImm32(dst.Offset(TypeOffset), uint32(tag))
}

func (m *MacroAssembler) storePayloadReg(r x86.Register, dst x86.Operand) {
	m.EmitMovStore(dst.Offset(PayloadOffset), r)
}

func (m *MacroAssembler) storePayloadConst(v Value, dst x86.Operand) {
	m.EmitMovMemImm32(dst.Offset(PayloadOffset), v.Payload())
}

// storeConstValue writes a whole constant into a memory slot.
func (m *MacroAssembler) storeConstValue(v Value, dst x86.Operand) {
	m.storePayloadConst(v, dst)
	m.EmitMovMemImm32(dst.Offset(TypeOffset), v.TagWord())
}

// testMagic compares the tag of a memory slot against TagMagic; Equal is
// true for holes.
func (m *MacroAssembler) testMagic(src x86.Operand) x86.Condition {
	m.EmitCmpImm32(src.Offset(TypeOffset), TagMagic.Imm())
	return x86.Equal
}

// testTag compares a type register against a tag.
func (m *MacroAssembler) testTag(typeReg x86.Register, tag Tag) {
	m.EmitCmpImm32(x86.R(typeReg), tag.Imm())
}

// branchTestBoolean jumps to l if cond holds for "type == boolean".
func (m *MacroAssembler) branchTestBoolean(cc x86.Condition, typeReg x86.Register, l x86.Label) {
	m.testTag(typeReg, TagBoolean)
	m.EmitJcc(cc, l)
}

// boxDouble splits an SSE double into its two words.
func (m *MacroAssembler) boxDouble(src x86.FloatRegister, out ValueOperand) {
	m.EmitMovdFromXmm(out.Payload, src)
	m.EmitMovsdRegReg(x86.ScratchFloatReg, src)
	m.EmitPsrlq(x86.ScratchFloatReg, 32)
	m.EmitMovdFromXmm(out.Type, x86.ScratchFloatReg)
}

// unboxDouble reassembles a double from the two words of a value already
// known to be a double.
func (m *MacroAssembler) unboxDouble(v ValueOperand, dst x86.FloatRegister) {
	m.EmitMovdToXmm(dst, v.Payload)
	m.EmitMovdToXmm(x86.ScratchFloatReg, v.Type)
	m.EmitPunpckldq(dst, x86.ScratchFloatReg)
}

// loadInt32OrDouble loads a numeric slot as a double: int32 payloads are
// converted, double slots are loaded directly.
func (m *MacroAssembler) loadInt32OrDouble(src x86.Operand, dst x86.FloatRegister) {
	notInt32 := m.ReserveLabel()
	done := m.ReserveLabel()
	m.EmitCmpImm32(src.Offset(TypeOffset), TagInt32.Imm())
	m.EmitJcc(x86.NotEqual, notInt32)
	m.EmitCvtsi2sd(dst, src.Offset(PayloadOffset))
	m.EmitJmp(done)
	m.MarkLabel(notInt32)
	m.EmitMovsdLoad(dst, src)
	m.MarkLabel(done)
}

// emitSet materializes a condition into a 0/1 register.
func (m *MacroAssembler) emitSet(cc x86.Condition, dst x86.Register) {
	m.EmitSetcc(dst, cc)
}
