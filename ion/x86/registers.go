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

// Register is a 32-bit general purpose register, numbered like the
// ModRM reg field.
type Register uint8

const (
	EAX Register = 0
	ECX Register = 1
	EDX Register = 2
	EBX Register = 3
	ESP Register = 4
	EBP Register = 5
	ESI Register = 6
	EDI Register = 7

	InvalidReg Register = 0xFF
)

// NumRegisters is the number of general purpose registers.
const NumRegisters = 8

var registerNames = [NumRegisters]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

func (r Register) String() string {
	if r < NumRegisters {
		return registerNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// ParseRegister maps a lower-case register name like "eax" to its register.
func ParseRegister(s string) (Register, bool) {
	for i, n := range registerNames {
		if n == s {
			return Register(i), true
		}
	}
	return InvalidReg, false
}

// HasByteForm reports whether the low 8 bits are addressable (al, cl, dl, bl).
// Without a REX prefix esi/edi/ebp/esp have no byte form on x86.
func (r Register) HasByteForm() bool {
	return r <= EBX
}

// FloatRegister is an SSE register.
type FloatRegister uint8

const (
	XMM0 FloatRegister = 0
	XMM1 FloatRegister = 1
	XMM2 FloatRegister = 2
	XMM3 FloatRegister = 3
	XMM4 FloatRegister = 4
	XMM5 FloatRegister = 5
	XMM6 FloatRegister = 6
	XMM7 FloatRegister = 7

	InvalidFloatReg FloatRegister = 0xFF
)

const NumFloatRegisters = 8

func (f FloatRegister) String() string {
	if f < NumFloatRegisters {
		return fmt.Sprintf("xmm%d", uint8(f))
	}
	return fmt.Sprintf("xmm?%d", uint8(f))
}

// ParseFloatRegister maps "xmm0".."xmm7".
func ParseFloatRegister(s string) (FloatRegister, bool) {
	if len(s) == 4 && s[:3] == "xmm" && s[3] >= '0' && s[3] < '0'+NumFloatRegisters {
		return FloatRegister(s[3] - '0'), true
	}
	return InvalidFloatReg, false
}

// ABI and code generator conventions for the x86 nunbox32 layout.
//
//	JS values are returned in ECX (type) and EDX (payload).
//	VM functions use cdecl; 64-bit results come back in EDX:EAX.
//	XMM7 is the scratch float register and never allocated.
//	ESP and EBP are never allocated.
const (
	JSReturnRegType Register = ECX
	JSReturnRegData Register = EDX

	ReturnReg     Register = EAX
	ReturnRegHigh Register = EDX

	ReturnFloatReg  FloatRegister = XMM0
	ScratchFloatReg FloatRegister = XMM7

	StackPointer Register = ESP
	FramePointer Register = EBP
)

// RegisterSet is a bitmask over general purpose registers.
type RegisterSet uint8

func (s RegisterSet) Has(r Register) bool { return s&(1<<r) != 0 }

func (s RegisterSet) Add(r Register) RegisterSet { return s | 1<<r }

func (s RegisterSet) Remove(r Register) RegisterSet { return s &^ (1 << r) }

// Registers returns the members in ascending encoding order.
func (s RegisterSet) Registers() []Register {
	var result []Register
	for r := Register(0); r < NumRegisters; r++ {
		if s.Has(r) {
			result = append(result, r)
		}
	}
	return result
}

// AllocatableRegisters are the registers a register allocator may hand out.
const AllocatableRegisters RegisterSet = 1<<EAX | 1<<ECX | 1<<EDX | 1<<EBX | 1<<ESI | 1<<EDI

// AllocatableFloatRegisters excludes the scratch register.
func AllocatableFloatRegister(f FloatRegister) bool {
	return f < NumFloatRegisters && f != ScratchFloatReg
}
