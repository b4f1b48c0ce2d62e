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

// OperandKind selects the addressing mode of an Operand.
type OperandKind uint8

const (
	OpReg      OperandKind = iota // general purpose register
	OpFloatReg                    // SSE register
	OpRegDisp                     // [base + disp]
	OpBaseIndex                   // [base + index*scale + disp]
	OpAbsolute                    // [disp32]
	OpIndexAbs                    // [index*scale + disp32]
)

// Scale of an index register.
type Scale uint8

const (
	TimesOne   Scale = 0
	TimesTwo   Scale = 1
	TimesFour  Scale = 2
	TimesEight Scale = 3
)

// ScaleFromElemSize maps a byte size to a Scale; other sizes panic.
func ScaleFromElemSize(size int) Scale {
	switch size {
	case 1:
		return TimesOne
	case 2:
		return TimesTwo
	case 4:
		return TimesFour
	case 8:
		return TimesEight
	}
	panic(fmt.Sprintf("x86: invalid scale %d", size))
}

// Operand is a register or memory operand. Only the fields relevant to Kind
// are meaningful.
type Operand struct {
	Kind  OperandKind
	Reg   Register
	FReg  FloatRegister
	Base  Register
	Index Register
	Scale Scale
	Disp  int32

	// ForceDisp32 keeps a 32-bit displacement even when a shorter form
	// exists, so a linker can rewrite it in place.
	ForceDisp32 bool
}

func R(r Register) Operand { return Operand{Kind: OpReg, Reg: r} }

func F(f FloatRegister) Operand { return Operand{Kind: OpFloatReg, FReg: f} }

// Address is [base + disp].
func Address(base Register, disp int32) Operand {
	return Operand{Kind: OpRegDisp, Base: base, Disp: disp}
}

// BaseIndex is [base + index*scale + disp].
func BaseIndex(base, index Register, scale Scale, disp int32) Operand {
	return Operand{Kind: OpBaseIndex, Base: base, Index: index, Scale: scale, Disp: disp}
}

// AbsoluteAddress is [addr].
func AbsoluteAddress(addr uint32) Operand {
	return Operand{Kind: OpAbsolute, Disp: int32(addr)}
}

// IndexAbsolute is [index*scale + addr].
func IndexAbsolute(index Register, scale Scale, addr uint32) Operand {
	return Operand{Kind: OpIndexAbs, Index: index, Scale: scale, Disp: int32(addr)}
}

// Patchable returns the operand with a forced 32-bit displacement.
func (o Operand) Patchable() Operand {
	o.ForceDisp32 = true
	return o
}

// IsMemory reports whether the operand addresses memory.
func (o Operand) IsMemory() bool {
	return o.Kind != OpReg && o.Kind != OpFloatReg
}

// Offset returns the same memory operand displaced by delta bytes.
func (o Operand) Offset(delta int32) Operand {
	if !o.IsMemory() {
		panic("x86: Offset on register operand")
	}
	o.Disp += delta
	return o
}

func (o Operand) String() string {
	switch o.Kind {
	case OpReg:
		return o.Reg.String()
	case OpFloatReg:
		return o.FReg.String()
	case OpRegDisp:
		return fmt.Sprintf("[%s%+d]", o.Base, o.Disp)
	case OpBaseIndex:
		return fmt.Sprintf("[%s+%s*%d%+d]", o.Base, o.Index, 1<<o.Scale, o.Disp)
	case OpAbsolute:
		return fmt.Sprintf("[0x%x]", uint32(o.Disp))
	case OpIndexAbs:
		return fmt.Sprintf("[%s*%d+0x%x]", o.Index, 1<<o.Scale, uint32(o.Disp))
	}
	return "?"
}
