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
	"sync"

	"github.com/launix-de/ionjit/ion/x86"
)

// Trampoline is the shared bailout entry of one frame size class.
type Trampoline struct {
	Class  FrameSizeClass
	Code   []byte
	Relocs []Relocation
}

// trampolineIndex is the slot of a class in the trampoline table; the
// class-less trampoline comes last.
func trampolineIndex(class FrameSizeClass) uint32 {
	if !class.Valid() {
		return uint32(NumFrameSizeClasses())
	}
	return class.ClassID()
}

var trampolines [len(frameSizes) + 1]struct {
	once sync.Once
	t    *Trampoline
}

// BailoutTrampoline returns the process-wide trampoline of a class,
// generating it on first use.
func BailoutTrampoline(class FrameSizeClass) *Trampoline {
	slot := &trampolines[trampolineIndex(class)]
	slot.once.Do(func() {
		slot.t = GenerateBailoutTrampoline(class)
	})
	return slot.t
}

// GenerateBailoutTrampoline emits the code that every bailout stub of the
// class jumps to. On entry the stack holds the snapshot offset (and, for the
// class-less trampoline, the frame size pushed after it). The trampoline
// saves all registers, calls the Bailout VM function with a pointer to the
// save area, drops the optimized frame and jumps to the resume address it
// got back.
func GenerateBailoutTrampoline(class FrameSizeClass) *Trampoline {
	m := newMacroAssembler(0)
	t := &Trampoline{Class: class}

	m.EmitPushad()
	m.EmitSubImm32(x86.R(x86.ESP), dumpFPUBytes)
	for f := x86.FloatRegister(0); f < x86.NumFloatRegisters; f++ {
		m.EmitMovsdStore(x86.Address(x86.ESP, int32(f)*8), f)
	}
	m.EmitMovRegReg(x86.EAX, x86.ESP)
	m.EmitPushReg(x86.EAX)
	pos := m.EmitCallExternal()
	t.Relocs = append(t.Relocs, Relocation{Kind: RelocVMCall, At: uint32(pos), Target: bailoutVMFunction().ID})
	m.EmitAddImm32(x86.R(x86.ESP), 4)

	saved := int32(dumpFPUBytes + dumpGPRBytes)
	if class.Valid() {
		m.EmitAddImm32(x86.R(x86.ESP), saved+4+int32(class.FrameSize()))
	} else {
		m.EmitMovLoad(x86.ECX, x86.Address(x86.ESP, saved))
		m.EmitAddImm32(x86.R(x86.ESP), saved+8)
		m.EmitAddRegMem(x86.ESP, x86.R(x86.ECX))
	}
	// a zero resume address means the bailout itself threw
	m.EmitTestRegReg(x86.EAX, x86.EAX)
	pos = m.EmitJccExternal(x86.Zero)
	t.Relocs = append(t.Relocs, Relocation{Kind: RelocExceptionHandler, At: uint32(pos)})
	m.EmitJmpReg(x86.EAX)

	t.Code = m.Bytes()
	return t
}
