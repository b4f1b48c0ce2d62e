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
	"fmt"

	"github.com/launix-de/ionjit/ion/x86"
)

// OutOfLineCode is a rarely taken path emitted after the hot stream. The
// hot stream jumps to entry; the generator ends with a jump back to rejoin
// or with a permanent transfer (bailout trampoline, exception handler).
type OutOfLineCode struct {
	kind        string
	entry       x86.Label
	rejoinLabel x86.Label
	insn        *Instruction
	gen         func(*OutOfLineCode)
	emitted     bool
	terminated  bool
	entryPos    uint32
}

// Entry is the label the hot stream jumps to.
func (ool *OutOfLineCode) Entry() x86.Label { return ool.entry }

// addOutOfLineCode registers a block for the current instruction. Its
// entry label is reserved now and bound by generateOutOfLineCode.
func (cg *CodeGenerator) addOutOfLineCode(kind string, gen func(*OutOfLineCode)) *OutOfLineCode {
	ool := &OutOfLineCode{
		kind:        kind,
		entry:       cg.masm.ReserveLabel(),
		rejoinLabel: x86.NoLabel,
		insn:        cg.currentInsn,
		gen:         gen,
	}
	cg.ool = append(cg.ool, ool)
	return ool
}

// bindRejoin places the rejoin point of ool at the current hot position.
func (cg *CodeGenerator) bindRejoin(ool *OutOfLineCode) {
	if ool.rejoinLabel != x86.NoLabel {
		panic(assertf("%s block rejoins twice", ool.kind))
	}
	ool.rejoinLabel = cg.masm.DefineLabel()
}

// rejoin ends an out-of-line block with a jump back into the hot stream.
func (cg *CodeGenerator) rejoin(ool *OutOfLineCode) {
	if ool.rejoinLabel == x86.NoLabel {
		abortf(ErrLabelGraph, "%s block has no rejoin point", ool.kind)
	}
	cg.masm.EmitJmp(ool.rejoinLabel)
	ool.terminated = true
}

// transferred ends a block whose last instruction leaves the function.
func (cg *CodeGenerator) transferred(ool *OutOfLineCode) {
	ool.terminated = true
}

// generateOutOfLineCode emits every registered block exactly once. Blocks
// registered while generating are emitted in the same pass.
func (cg *CodeGenerator) generateOutOfLineCode() {
	m := cg.masm
	cg.hotEnd = m.Size()
	for i := 0; i < len(cg.ool); i++ {
		ool := cg.ool[i]
		if ool.emitted {
			panic(assertf("%s block emitted twice", ool.kind))
		}
		cg.currentInsn = ool.insn
		m.MarkLabel(ool.entry)
		ool.entryPos = m.Size()
		ool.gen(ool)
		ool.emitted = true
		if !ool.terminated {
			abortf(ErrLabelGraph, "%s block falls through", ool.kind)
		}
		if cg.pushed != 0 {
			panic(assertf("%s block leaves %d bytes pushed", ool.kind, cg.pushed))
		}
	}
	stats.oolBlocks.Add(int64(len(cg.ool)))
}

// verifyLabelGraph checks the jumps between the hot stream and the
// out-of-line blocks once everything is emitted.
func (cg *CodeGenerator) verifyLabelGraph() error {
	m := cg.masm
	entries := make(map[x86.Label]int, len(cg.ool))
	for _, ool := range cg.ool {
		entries[ool.entry]++
	}
	refs := make(map[x86.Label]int)
	for _, f := range m.Fixups() {
		if !m.Bound(f.Label) {
			return labelGraphError("jump at %d targets unbound label %d", f.InsnPos, f.Label)
		}
		refs[f.Label]++
		target := uint32(m.LabelOffset(f.Label))
		if uint32(f.InsnPos) < cg.hotEnd && target >= cg.hotEnd {
			if n, isEntry := entries[f.Label]; isEntry {
				if n != 1 {
					return labelGraphError("label %d is the entry of %d blocks", f.Label, n)
				}
			} else if target > cg.hotEnd {
				return labelGraphError("hot jump at %d into out-of-line code", f.InsnPos)
			}
		}
	}
	for _, ool := range cg.ool {
		if !ool.emitted || m.BindCount(ool.entry) != 1 {
			return labelGraphError("%s block entry bound %d times", ool.kind, m.BindCount(ool.entry))
		}
		if refs[ool.entry] == 0 {
			return labelGraphError("%s block at %d is never entered", ool.kind, ool.entryPos)
		}
		if ool.rejoinLabel != x86.NoLabel {
			if m.BindCount(ool.rejoinLabel) != 1 || uint32(m.LabelOffset(ool.rejoinLabel)) > cg.hotEnd {
				return labelGraphError("%s block rejoins outside the hot stream", ool.kind)
			}
		}
	}
	return nil
}

func labelGraphError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLabelGraph, fmt.Sprintf(format, args...))
}
