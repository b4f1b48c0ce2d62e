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
package x86

import "fmt"

/*
x86 (32 bit) instruction encoder
--------------------------------

All operands are written in Intel order: destination first. There are no
REX prefixes in 32-bit mode, so every register fits the 3-bit ModRM fields.

Memory-touching emitters return the code position of their displacement
field (or -1 if the encoding has none). Callers that need to patch an
address later (heap base, global data, runtime addresses) build the operand
with Patchable() so the field is always 4 bytes wide.

Jumps to labels are always rel32 so that instruction lengths do not depend
on label distance; side tables can then be computed in a single pass.
*/

// Condition is the low nibble of the Jcc/SETcc opcodes.
type Condition byte

const (
	Overflow           Condition = 0x0
	Below              Condition = 0x2 // unsigned <
	AboveOrEqual       Condition = 0x3 // unsigned >=
	Equal              Condition = 0x4
	NotEqual           Condition = 0x5
	BelowOrEqual       Condition = 0x6 // unsigned <=
	Above              Condition = 0x7 // unsigned >
	Signed             Condition = 0x8
	NotSigned          Condition = 0x9
	Parity             Condition = 0xA
	LessThan           Condition = 0xC
	GreaterThanOrEqual Condition = 0xD
	LessThanOrEqual    Condition = 0xE
	GreaterThan        Condition = 0xF

	Zero    = Equal
	NonZero = NotEqual
)

// Invert returns the negated condition (x86 pairs them in the low bit).
func (c Condition) Invert() Condition {
	return c ^ 1
}

var conditionNames = map[Condition]string{
	Overflow: "o", Below: "b", AboveOrEqual: "ae", Equal: "e", NotEqual: "ne",
	BelowOrEqual: "be", Above: "a", Signed: "s", NotSigned: "ns", Parity: "p",
	LessThan: "l", GreaterThanOrEqual: "ge", LessThanOrEqual: "le", GreaterThan: "g",
}

func (c Condition) String() string {
	if n, ok := conditionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cc%x", byte(c))
}

// Assembler emits x86 machine code into its Writer.
type Assembler struct {
	Writer
}

// NewAssembler creates an assembler whose buffer is limited to limit bytes.
func NewAssembler(limit int) *Assembler {
	return &Assembler{Writer: *NewWriter(limit)}
}

// emitModRM encodes ModRM, SIB and displacement for the given reg field and
// r/m operand. Returns the position of a 32-bit displacement or -1.
func (a *Assembler) emitModRM(reg byte, rm Operand) int32 {
	reg &= 7
	switch rm.Kind {
	case OpReg:
		a.emitByte(0xC0 | reg<<3 | byte(rm.Reg&7))
		return -1
	case OpFloatReg:
		a.emitByte(0xC0 | reg<<3 | byte(rm.FReg&7))
		return -1
	case OpAbsolute:
		a.emitByte(reg<<3 | 0x05)
		pos := int32(a.Size())
		a.emitU32(uint32(rm.Disp))
		return pos
	case OpIndexAbs:
		if rm.Index == ESP {
			panic("x86: esp cannot be an index register")
		}
		a.emitByte(reg<<3 | 0x04)
		a.emitByte(byte(rm.Scale)<<6 | byte(rm.Index&7)<<3 | 0x05)
		pos := int32(a.Size())
		a.emitU32(uint32(rm.Disp))
		return pos
	case OpRegDisp, OpBaseIndex:
		base := byte(rm.Base & 7)
		var mod byte
		switch {
		case rm.ForceDisp32:
			mod = 0x80
		case rm.Disp == 0 && base != 5: // EBP always needs a displacement
			mod = 0x00
		case rm.Disp >= -128 && rm.Disp <= 127:
			mod = 0x40
		default:
			mod = 0x80
		}
		if rm.Kind == OpBaseIndex {
			if rm.Index == ESP {
				panic("x86: esp cannot be an index register")
			}
			a.emitByte(mod | reg<<3 | 0x04)
			a.emitByte(byte(rm.Scale)<<6 | byte(rm.Index&7)<<3 | base)
		} else if base == 4 { // ESP needs SIB
			a.emitByte(mod | reg<<3 | 0x04)
			a.emitByte(0x24)
		} else {
			a.emitByte(mod | reg<<3 | base)
		}
		switch mod {
		case 0x40:
			a.emitByte(byte(int8(rm.Disp)))
		case 0x80:
			pos := int32(a.Size())
			a.emitU32(uint32(rm.Disp))
			return pos
		}
		return -1
	}
	panic("x86: invalid operand kind")
}

// --- integer moves ---

// EmitMovRegImm32 emits MOV r32, imm32 (B8+r)
func (a *Assembler) EmitMovRegImm32(dst Register, imm uint32) int32 {
	a.beginInsn()
	a.emitByte(0xB8 | byte(dst&7))
	pos := int32(a.Size())
	a.emitU32(imm)
	return pos
}

// EmitMovRegReg emits MOV dst, src
func (a *Assembler) EmitMovRegReg(dst, src Register) {
	a.beginInsn()
	a.emitByte(0x89)
	a.emitModRM(byte(src), R(dst))
}

// EmitMovLoad emits MOV dst, [mem]
func (a *Assembler) EmitMovLoad(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitByte(0x8B)
	return a.emitModRM(byte(dst), src)
}

// EmitMovStore emits MOV [mem], src
func (a *Assembler) EmitMovStore(dst Operand, src Register) int32 {
	a.beginInsn()
	a.emitByte(0x89)
	return a.emitModRM(byte(src), dst)
}

// EmitMovMemImm32 emits MOV dword [mem], imm32 (C7 /0)
func (a *Assembler) EmitMovMemImm32(dst Operand, imm uint32) int32 {
	a.beginInsn()
	a.emitByte(0xC7)
	pos := a.emitModRM(0, dst)
	a.emitU32(imm)
	return pos
}

// EmitLea emits LEA dst, [mem]
func (a *Assembler) EmitLea(dst Register, src Operand) {
	a.beginInsn()
	a.emitByte(0x8D)
	a.emitModRM(byte(dst), src)
}

// EmitMovsxByte emits MOVSX r32, byte [mem]
func (a *Assembler) EmitMovsxByte(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitBytes(0x0F, 0xBE)
	return a.emitModRM(byte(dst), src)
}

// EmitMovzxByte emits MOVZX r32, byte [mem]
func (a *Assembler) EmitMovzxByte(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitBytes(0x0F, 0xB6)
	return a.emitModRM(byte(dst), src)
}

// EmitMovsxWord emits MOVSX r32, word [mem]
func (a *Assembler) EmitMovsxWord(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitBytes(0x0F, 0xBF)
	return a.emitModRM(byte(dst), src)
}

// EmitMovzxWord emits MOVZX r32, word [mem]
func (a *Assembler) EmitMovzxWord(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitBytes(0x0F, 0xB7)
	return a.emitModRM(byte(dst), src)
}

// EmitMovByteStore emits MOV byte [mem], r8
func (a *Assembler) EmitMovByteStore(dst Operand, src Register) int32 {
	if !src.HasByteForm() {
		panic("x86: " + src.String() + " has no byte form")
	}
	a.beginInsn()
	a.emitByte(0x88)
	return a.emitModRM(byte(src), dst)
}

// EmitMovWordStore emits MOV word [mem], r16
func (a *Assembler) EmitMovWordStore(dst Operand, src Register) int32 {
	a.beginInsn()
	a.emitBytes(0x66, 0x89)
	return a.emitModRM(byte(src), dst)
}

// EmitMovByteMemImm8 emits MOV byte [mem], imm8 (C6 /0)
func (a *Assembler) EmitMovByteMemImm8(dst Operand, imm uint8) int32 {
	a.beginInsn()
	a.emitByte(0xC6)
	pos := a.emitModRM(0, dst)
	a.emitByte(imm)
	return pos
}

// EmitMovWordMemImm16 emits MOV word [mem], imm16 (66 C7 /0)
func (a *Assembler) EmitMovWordMemImm16(dst Operand, imm uint16) int32 {
	a.beginInsn()
	a.emitBytes(0x66, 0xC7)
	pos := a.emitModRM(0, dst)
	a.emitU16(imm)
	return pos
}

// EmitPushImm32 emits PUSH imm32 and returns the immediate position.
func (a *Assembler) EmitPushImm32(imm uint32) int32 {
	a.beginInsn()
	a.emitByte(0x68)
	pos := int32(a.Size())
	a.emitU32(imm)
	return pos
}

func (a *Assembler) EmitPushReg(r Register) {
	a.beginInsn()
	a.emitByte(0x50 | byte(r&7))
}

func (a *Assembler) EmitPopReg(r Register) {
	a.beginInsn()
	a.emitByte(0x58 | byte(r&7))
}

// EmitPushMem emits PUSH dword [mem] (FF /6)
func (a *Assembler) EmitPushMem(src Operand) int32 {
	a.beginInsn()
	a.emitByte(0xFF)
	return a.emitModRM(6, src)
}

// EmitPushad saves all general purpose registers.
func (a *Assembler) EmitPushad() {
	a.beginInsn()
	a.emitByte(0x60)
}

// EmitPopad restores the registers saved by EmitPushad.
func (a *Assembler) EmitPopad() {
	a.beginInsn()
	a.emitByte(0x61)
}

// --- ALU ---

// emitAluImm32 emits 81 /ext with a 32-bit immediate.
func (a *Assembler) emitAluImm32(ext byte, dst Operand, imm int32) int32 {
	a.beginInsn()
	a.emitByte(0x81)
	pos := a.emitModRM(ext, dst)
	a.emitU32(uint32(imm))
	return pos
}

// EmitAddImm32 emits ADD r/m32, imm32
func (a *Assembler) EmitAddImm32(dst Operand, imm int32) int32 {
	return a.emitAluImm32(0, dst, imm)
}

// EmitSubImm32 emits SUB r/m32, imm32
func (a *Assembler) EmitSubImm32(dst Operand, imm int32) int32 {
	return a.emitAluImm32(5, dst, imm)
}

// EmitCmpImm32 emits CMP r/m32, imm32
func (a *Assembler) EmitCmpImm32(dst Operand, imm int32) int32 {
	return a.emitAluImm32(7, dst, imm)
}

// EmitAndImm32 emits AND r/m32, imm32
func (a *Assembler) EmitAndImm32(dst Operand, imm int32) int32 {
	return a.emitAluImm32(4, dst, imm)
}

// EmitCmpRegReg emits CMP lhs, rhs
func (a *Assembler) EmitCmpRegReg(lhs, rhs Register) {
	a.beginInsn()
	a.emitByte(0x39)
	a.emitModRM(byte(rhs), R(lhs))
}

// EmitCmpMemReg emits CMP [mem], r32
func (a *Assembler) EmitCmpMemReg(lhs Operand, rhs Register) int32 {
	a.beginInsn()
	a.emitByte(0x39)
	return a.emitModRM(byte(rhs), lhs)
}

// EmitCmpRegMem emits CMP r32, [mem]
func (a *Assembler) EmitCmpRegMem(lhs Register, rhs Operand) int32 {
	a.beginInsn()
	a.emitByte(0x3B)
	return a.emitModRM(byte(lhs), rhs)
}

// EmitTestRegReg emits TEST lhs, rhs
func (a *Assembler) EmitTestRegReg(lhs, rhs Register) {
	a.beginInsn()
	a.emitByte(0x85)
	a.emitModRM(byte(rhs), R(lhs))
}

// EmitXorRegReg emits XOR dst, src
func (a *Assembler) EmitXorRegReg(dst, src Register) {
	a.beginInsn()
	a.emitByte(0x31)
	a.emitModRM(byte(src), R(dst))
}

// EmitAddRegMem emits ADD r32, r/m32 (03 /r)
func (a *Assembler) EmitAddRegMem(dst Register, src Operand) int32 {
	a.beginInsn()
	a.emitByte(0x03)
	return a.emitModRM(byte(dst), src)
}

// EmitXchgRegReg emits XCHG lhs, rhs (87 /r)
func (a *Assembler) EmitXchgRegReg(lhs, rhs Register) {
	a.beginInsn()
	a.emitByte(0x87)
	a.emitModRM(byte(rhs), R(lhs))
}

// EmitSetcc materializes a condition as 0/1 in dst. Registers with a byte
// form use SETcc+MOVZX; esi/edi fall back to MOV 0; Jncc +5; MOV 1, which
// leaves the flags untouched as well.
func (a *Assembler) EmitSetcc(dst Register, cc Condition) {
	if dst.HasByteForm() {
		a.beginInsn()
		a.emitBytes(0x0F, 0x90|byte(cc), 0xC0|byte(dst))
		a.beginInsn()
		a.emitBytes(0x0F, 0xB6, 0xC0|byte(dst)<<3|byte(dst))
		return
	}
	a.EmitMovRegImm32(dst, 0)
	a.beginInsn()
	a.emitBytes(0x70|byte(cc.Invert()), 5) // Jncc rel8 over the next MOV
	a.EmitMovRegImm32(dst, 1)
}

// --- control flow ---

// EmitJcc emits a conditional jump with a rel32 fixup.
func (a *Assembler) EmitJcc(cc Condition, l Label) {
	a.beginInsn()
	a.emitBytes(0x0F, 0x80|byte(cc)) // Jcc rel32
	a.AddFixup(l, 4, true)
	a.emitU32(0) // placeholder
}

// EmitJmp emits an unconditional JMP rel32.
func (a *Assembler) EmitJmp(l Label) {
	a.beginInsn()
	a.emitByte(0xE9) // JMP rel32
	a.AddFixup(l, 4, true)
	a.emitU32(0) // placeholder
}

// EmitJmpExternal emits JMP rel32 to a target outside this buffer; the
// displacement position is returned for a relocation entry.
func (a *Assembler) EmitJmpExternal() int32 {
	a.beginInsn()
	a.emitByte(0xE9)
	pos := int32(a.Size())
	a.emitU32(0)
	return pos
}

// EmitJccExternal is the conditional variant of EmitJmpExternal.
func (a *Assembler) EmitJccExternal(cc Condition) int32 {
	a.beginInsn()
	a.emitBytes(0x0F, 0x80|byte(cc))
	pos := int32(a.Size())
	a.emitU32(0)
	return pos
}

// EmitCallExternal emits CALL rel32 with a zero placeholder.
func (a *Assembler) EmitCallExternal() int32 {
	a.beginInsn()
	a.emitByte(0xE8)
	pos := int32(a.Size())
	a.emitU32(0)
	return pos
}

// EmitCallReg emits CALL r32 (FF /2)
func (a *Assembler) EmitCallReg(r Register) {
	a.beginInsn()
	a.emitByte(0xFF)
	a.emitModRM(2, R(r))
}

// EmitJmpReg emits JMP r32 (FF /4)
func (a *Assembler) EmitJmpReg(r Register) {
	a.beginInsn()
	a.emitByte(0xFF)
	a.emitModRM(4, R(r))
}

func (a *Assembler) EmitRet() {
	a.beginInsn()
	a.emitByte(0xC3)
}

func (a *Assembler) EmitNop() {
	a.beginInsn()
	a.emitByte(0x90)
}

// EmitInt3 is used as a trap after code that must never fall through.
func (a *Assembler) EmitInt3() {
	a.beginInsn()
	a.emitByte(0xCC)
}

// --- SSE ---

// emitSse emits prefix 0F op /r with an xmm reg field.
func (a *Assembler) emitSse(prefix byte, op byte, reg byte, rm Operand) int32 {
	a.beginInsn()
	a.emitBytes(prefix, 0x0F, op)
	return a.emitModRM(reg, rm)
}

// EmitMovsdLoad emits MOVSD xmm, [mem]
func (a *Assembler) EmitMovsdLoad(dst FloatRegister, src Operand) int32 {
	return a.emitSse(0xF2, 0x10, byte(dst), src)
}

// EmitMovsdStore emits MOVSD [mem], xmm
func (a *Assembler) EmitMovsdStore(dst Operand, src FloatRegister) int32 {
	return a.emitSse(0xF2, 0x11, byte(src), dst)
}

// EmitMovsdRegReg emits MOVSD dst, src
func (a *Assembler) EmitMovsdRegReg(dst, src FloatRegister) {
	a.emitSse(0xF2, 0x10, byte(dst), F(src))
}

// EmitMovssLoad emits MOVSS xmm, [mem]
func (a *Assembler) EmitMovssLoad(dst FloatRegister, src Operand) int32 {
	return a.emitSse(0xF3, 0x10, byte(dst), src)
}

// EmitMovssStore emits MOVSS [mem], xmm
func (a *Assembler) EmitMovssStore(dst Operand, src FloatRegister) int32 {
	return a.emitSse(0xF3, 0x11, byte(src), dst)
}

// EmitCvtss2sd emits CVTSS2SD dst, src (float32 -> float64)
func (a *Assembler) EmitCvtss2sd(dst, src FloatRegister) {
	a.emitSse(0xF3, 0x5A, byte(dst), F(src))
}

// EmitCvtsd2ss emits CVTSD2SS dst, src (float64 -> float32)
func (a *Assembler) EmitCvtsd2ss(dst, src FloatRegister) {
	a.emitSse(0xF2, 0x5A, byte(dst), F(src))
}

// EmitCvtsi2sd emits CVTSI2SD xmm, r/m32
func (a *Assembler) EmitCvtsi2sd(dst FloatRegister, src Operand) int32 {
	return a.emitSse(0xF2, 0x2A, byte(dst), src)
}

// EmitMovdToXmm emits MOVD xmm, r32
func (a *Assembler) EmitMovdToXmm(dst FloatRegister, src Register) {
	a.emitSse(0x66, 0x6E, byte(dst), R(src))
}

// EmitMovdFromXmm emits MOVD r32, xmm
func (a *Assembler) EmitMovdFromXmm(dst Register, src FloatRegister) {
	a.emitSse(0x66, 0x7E, byte(src), R(dst))
}

// EmitMovapd emits MOVAPD dst, src
func (a *Assembler) EmitMovapd(dst, src FloatRegister) {
	a.emitSse(0x66, 0x28, byte(dst), F(src))
}

// EmitPsrlq emits PSRLQ xmm, imm8
func (a *Assembler) EmitPsrlq(dst FloatRegister, imm uint8) {
	a.emitSse(0x66, 0x73, 2, F(dst))
	a.emitByte(imm)
}

// EmitPunpckldq emits PUNPCKLDQ dst, src (interleave low dwords)
func (a *Assembler) EmitPunpckldq(dst, src FloatRegister) {
	a.emitSse(0x66, 0x62, byte(dst), F(src))
}

// --- x87 ---

// EmitFstpDouble emits FSTP qword [mem] (DD /3)
func (a *Assembler) EmitFstpDouble(dst Operand) int32 {
	a.beginInsn()
	a.emitByte(0xDD)
	return a.emitModRM(3, dst)
}
