/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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
	"encoding/binary"
	"fmt"
)

// Label identifies a code position that jumps may target before it is known.
type Label int32

// NoLabel is the zero value for "no target".
const NoLabel Label = -1

// Fixup records a forward reference that must be patched after all
// labels are placed.
type Fixup struct {
	InsnPos  int32 // first byte of the referencing instruction
	CodePos  int32 // position of the displacement field
	Label    Label // target label
	Size     uint8 // 4=rel32/abs32
	Relative bool  // true for PC-relative jumps
}

// Writer is the growable code buffer with label and fixup bookkeeping.
// It is owned by exactly one code generator; nothing in here is shared.
type Writer struct {
	code  []byte
	limit int

	labels []int32 // -1 until bound
	binds  []uint8 // bind count per label, for the label graph check
	fixups []Fixup

	insnStart int32
	overflow  bool
}

// NewWriter creates a writer that refuses to grow beyond limit bytes
// (0 = unlimited).
func NewWriter(limit int) *Writer {
	return &Writer{code: make([]byte, 0, 256), limit: limit}
}

// Size is the current emission position.
func (w *Writer) Size() uint32 {
	return uint32(len(w.code))
}

// Overflow reports whether emission ran past the configured limit.
func (w *Writer) Overflow() bool {
	return w.overflow
}

// Bytes returns a copy of the emitted code.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.code))
	copy(out, w.code)
	return out
}

// Code gives read access to the buffer without copying.
func (w *Writer) Code() []byte {
	return w.code
}

func (w *Writer) grow(n int) {
	if w.limit > 0 && len(w.code)+n > w.limit {
		w.overflow = true
	}
}

// emitByte appends a single byte to the writer.
func (w *Writer) emitByte(b byte) {
	w.grow(1)
	w.code = append(w.code, b)
}

// emitBytes appends raw bytes to the writer.
func (w *Writer) emitBytes(bs ...byte) {
	w.grow(len(bs))
	w.code = append(w.code, bs...)
}

func (w *Writer) emitU16(v uint16) {
	w.grow(2)
	w.code = binary.LittleEndian.AppendUint16(w.code, v)
}

// emitU32 appends a little-endian uint32.
func (w *Writer) emitU32(v uint32) {
	w.grow(4)
	w.code = binary.LittleEndian.AppendUint32(w.code, v)
}

// beginInsn remembers where the current instruction starts so fixups can
// point back at it.
func (w *Writer) beginInsn() {
	w.insnStart = int32(len(w.code))
}

// PatchU32At overwrites a previously emitted 32-bit field.
func (w *Writer) PatchU32At(pos uint32, v uint32) {
	binary.LittleEndian.PutUint32(w.code[pos:pos+4], v)
}

// ReadU32At reads a previously emitted 32-bit field.
func (w *Writer) ReadU32At(pos uint32) uint32 {
	return binary.LittleEndian.Uint32(w.code[pos : pos+4])
}

// DefineLabel allocates a new label at the current write position.
func (w *Writer) DefineLabel() Label {
	l := w.ReserveLabel()
	w.MarkLabel(l)
	return l
}

// ReserveLabel allocates a label ID for later placement via MarkLabel.
func (w *Writer) ReserveLabel() Label {
	id := Label(len(w.labels))
	w.labels = append(w.labels, -1)
	w.binds = append(w.binds, 0)
	return id
}

// MarkLabel sets the position of a previously reserved label.
// Binding a label twice would silently redirect earlier jumps, so it panics.
func (w *Writer) MarkLabel(l Label) {
	if w.binds[l] > 0 {
		panic(fmt.Sprintf("x86: label %d bound twice", l))
	}
	w.binds[l]++
	w.labels[l] = int32(len(w.code))
}

// Bound reports whether the label has a position.
func (w *Writer) Bound(l Label) bool {
	return w.labels[l] >= 0
}

// LabelOffset returns the bound position or -1.
func (w *Writer) LabelOffset(l Label) int32 {
	return w.labels[l]
}

// BindCount is the number of MarkLabel calls on l (0 or 1 in a sane graph).
func (w *Writer) BindCount(l Label) int {
	return int(w.binds[l])
}

// NumLabels is the number of labels allocated so far.
func (w *Writer) NumLabels() int {
	return len(w.labels)
}

// Fixups returns the recorded label references.
func (w *Writer) Fixups() []Fixup {
	return w.fixups
}

// AddFixup records a forward reference to be patched by ResolveFixups.
// It must be called right before the placeholder field is emitted.
func (w *Writer) AddFixup(l Label, size uint8, relative bool) {
	w.fixups = append(w.fixups, Fixup{
		InsnPos:  w.insnStart,
		CodePos:  int32(len(w.code)),
		Label:    l,
		Size:     size,
		Relative: relative,
	})
}

// ResolveFixups patches all recorded forward references after code generation.
func (w *Writer) ResolveFixups() error {
	for i := range w.fixups {
		f := &w.fixups[i]
		targetPos := w.labels[f.Label]
		if targetPos < 0 {
			return fmt.Errorf("x86: undefined label %d referenced at %d", f.Label, f.InsnPos)
		}
		if f.Relative {
			w.PatchU32At(uint32(f.CodePos), uint32(targetPos-(f.CodePos+int32(f.Size))))
		} else {
			w.PatchU32At(uint32(f.CodePos), uint32(targetPos))
		}
	}
	return nil
}
