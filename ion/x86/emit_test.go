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

import (
	"bytes"
	"testing"
)

// assertCode compares emitted bytes against the expected encoding.
func assertCode(t *testing.T, name string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s: got % x, want % x", name, got, want)
	}
}

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov eax, imm", func(a *Assembler) { a.EmitMovRegImm32(EAX, 0x12345678) }, []byte{0xB8, 0x78, 0x56, 0x34, 0x12}},
		{"mov ecx, edx", func(a *Assembler) { a.EmitMovRegReg(ECX, EDX) }, []byte{0x89, 0xD1}},
		{"mov eax, [ebx]", func(a *Assembler) { a.EmitMovLoad(EAX, Address(EBX, 0)) }, []byte{0x8B, 0x03}},
		{"mov eax, [ebp]", func(a *Assembler) { a.EmitMovLoad(EAX, Address(EBP, 0)) }, []byte{0x8B, 0x45, 0x00}},
		{"mov eax, [esp+8]", func(a *Assembler) { a.EmitMovLoad(EAX, Address(ESP, 8)) }, []byte{0x8B, 0x44, 0x24, 0x08}},
		{"mov [esi+0x100], edi", func(a *Assembler) { a.EmitMovStore(Address(ESI, 0x100), EDI) }, []byte{0x89, 0xBE, 0x00, 0x01, 0x00, 0x00}},
		{"mov eax, [ebx+ecx*8+4]", func(a *Assembler) { a.EmitMovLoad(EAX, BaseIndex(EBX, ECX, TimesEight, 4)) }, []byte{0x8B, 0x44, 0xCB, 0x04}},
		{"mov eax, [abs]", func(a *Assembler) { a.EmitMovLoad(EAX, AbsoluteAddress(0x1000)) }, []byte{0x8B, 0x05, 0x00, 0x10, 0x00, 0x00}},
		{"mov eax, [ecx*4+abs]", func(a *Assembler) { a.EmitMovLoad(EAX, IndexAbsolute(ECX, TimesFour, 0x20)) }, []byte{0x8B, 0x04, 0x8D, 0x20, 0x00, 0x00, 0x00}},
		{"cmp ecx, edx", func(a *Assembler) { a.EmitCmpRegReg(ECX, EDX) }, []byte{0x39, 0xD1}},
		{"cmp eax, imm", func(a *Assembler) { a.EmitCmpImm32(R(EAX), -128) }, []byte{0x81, 0xF8, 0x80, 0xFF, 0xFF, 0xFF}},
		{"sub esp, 128", func(a *Assembler) { a.EmitSubImm32(R(ESP), 128) }, []byte{0x81, 0xEC, 0x80, 0x00, 0x00, 0x00}},
		{"xchg ecx, edx", func(a *Assembler) { a.EmitXchgRegReg(ECX, EDX) }, []byte{0x87, 0xD1}},
		{"movzx eax, byte [edx]", func(a *Assembler) { a.EmitMovzxByte(EAX, Address(EDX, 0)) }, []byte{0x0F, 0xB6, 0x02}},
		{"mov byte [eax], 7", func(a *Assembler) { a.EmitMovByteMemImm8(Address(EAX, 0), 7) }, []byte{0xC6, 0x00, 0x07}},
		{"mov word [eax], 0x1234", func(a *Assembler) { a.EmitMovWordMemImm16(Address(EAX, 0), 0x1234) }, []byte{0x66, 0xC7, 0x00, 0x34, 0x12}},
		{"pushad", func(a *Assembler) { a.EmitPushad() }, []byte{0x60}},
		{"popad", func(a *Assembler) { a.EmitPopad() }, []byte{0x61}},
		{"call ebx", func(a *Assembler) { a.EmitCallReg(EBX) }, []byte{0xFF, 0xD3}},
		{"jmp eax", func(a *Assembler) { a.EmitJmpReg(EAX) }, []byte{0xFF, 0xE0}},
		{"movsd xmm1, [eax]", func(a *Assembler) { a.EmitMovsdLoad(XMM1, Address(EAX, 0)) }, []byte{0xF2, 0x0F, 0x10, 0x08}},
		{"cvtss2sd xmm0, xmm0", func(a *Assembler) { a.EmitCvtss2sd(XMM0, XMM0) }, []byte{0xF3, 0x0F, 0x5A, 0xC0}},
		{"psrlq xmm7, 32", func(a *Assembler) { a.EmitPsrlq(XMM7, 32) }, []byte{0x66, 0x0F, 0x73, 0xD7, 0x20}},
		{"fstp qword [esp]", func(a *Assembler) { a.EmitFstpDouble(Address(ESP, 0)) }, []byte{0xDD, 0x1C, 0x24}},
		{"sete al", func(a *Assembler) { a.EmitSetcc(EAX, Equal) }, []byte{0x0F, 0x94, 0xC0, 0x0F, 0xB6, 0xC0}},
		{"setne esi", func(a *Assembler) { a.EmitSetcc(ESI, NotEqual) }, []byte{
			0xBE, 0x00, 0x00, 0x00, 0x00, // mov esi, 0
			0x74, 0x05, // je +5
			0xBE, 0x01, 0x00, 0x00, 0x00, // mov esi, 1
		}},
	}
	for _, c := range cases {
		a := NewAssembler(0)
		c.emit(a)
		assertCode(t, c.name, a.Code(), c.want)
	}
}

func TestPatchableDisplacement(t *testing.T) {
	a := NewAssembler(0)
	pos := a.EmitMovLoad(EAX, Address(EDX, 0).Patchable())
	assertCode(t, "patchable", a.Code(), []byte{0x8B, 0x82, 0x00, 0x00, 0x00, 0x00})
	if pos != 2 {
		t.Fatalf("displacement at %d, want 2", pos)
	}
	if got := a.EmitMovLoad(EAX, Address(EDX, 0)); got != -1 {
		t.Errorf("short form reported displacement at %d", got)
	}
}

func TestLabelsAndFixups(t *testing.T) {
	a := NewAssembler(0)
	target := a.ReserveLabel()
	a.EmitJcc(NotEqual, target) // 6 bytes
	a.EmitNop()
	a.MarkLabel(target)
	back := a.DefineLabel()
	a.EmitJmp(back) // 5 bytes, jumps to itself
	if err := a.ResolveFixups(); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x0F, 0x85, 0x01, 0x00, 0x00, 0x00,
		0x90,
		0xE9, 0xFB, 0xFF, 0xFF, 0xFF,
	}
	assertCode(t, "fixups", a.Code(), want)
	if a.BindCount(target) != 1 || a.LabelOffset(target) != 7 {
		t.Errorf("target bound %d times at %d", a.BindCount(target), a.LabelOffset(target))
	}
}

func TestUnboundLabel(t *testing.T) {
	a := NewAssembler(0)
	a.EmitJmp(a.ReserveLabel())
	if err := a.ResolveFixups(); err == nil {
		t.Fatal("expected an error for an unbound label")
	}
}

func TestDoubleBindPanics(t *testing.T) {
	a := NewAssembler(0)
	l := a.DefineLabel()
	defer func() {
		if recover() == nil {
			t.Error("binding a label twice did not panic")
		}
	}()
	a.MarkLabel(l)
}

func TestWriterLimit(t *testing.T) {
	a := NewAssembler(8)
	a.EmitMovRegImm32(EAX, 1)
	if a.Overflow() {
		t.Fatal("overflow after 5 bytes")
	}
	a.EmitMovRegImm32(ECX, 2)
	if !a.Overflow() {
		t.Fatal("no overflow after 10 bytes with an 8 byte limit")
	}
}

func TestConditionInvert(t *testing.T) {
	pairs := [][2]Condition{{Equal, NotEqual}, {Below, AboveOrEqual}, {BelowOrEqual, Above}, {LessThan, GreaterThanOrEqual}, {LessThanOrEqual, GreaterThan}}
	for _, p := range pairs {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Errorf("%s and %s are not inverse", p[0], p[1])
		}
	}
}

func TestRegisterNames(t *testing.T) {
	for r := Register(0); r < NumRegisters; r++ {
		got, ok := ParseRegister(r.String())
		if !ok || got != r {
			t.Errorf("ParseRegister(%q) = %v, %v", r.String(), got, ok)
		}
	}
	if f, ok := ParseFloatRegister("xmm5"); !ok || f != XMM5 {
		t.Errorf("ParseFloatRegister(xmm5) = %v, %v", f, ok)
	}
	if _, ok := ParseFloatRegister("xmm8"); ok {
		t.Error("xmm8 parsed on x86")
	}
	if EDI.HasByteForm() || !EBX.HasByteForm() {
		t.Error("byte form of edi/ebx")
	}
}
