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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/launix-de/ionjit/ion/x86"
)

// Options tune one compilation.
type Options struct {
	CodeLimit int // maximum code size in bytes, 0 = unlimited
}

// CodeGenerator holds the private state of one function compilation.
type CodeGenerator struct {
	masm  *MacroAssembler
	graph *Graph
	info  *CompileInfo

	blockIndex  int
	blockLabels map[*Block]x86.Label
	currentInsn *Instruction

	ool    []*OutOfLineCode
	hotEnd uint32

	snapshots SnapshotWriter
	sites     []pendingSite
	patches   *patchRecorder
	relocs    []Relocation

	frameSize  uint32
	frameClass FrameSizeClass
	pushed     int32 // bytes pushed on top of the frame at this point
}

type pendingSite struct {
	site BailoutSite
	ool  *OutOfLineCode
}

// abortf abandons the current compilation; Generate turns it into a
// *CompileError.
func abortf(err error, format string, args ...any) {
	panic(compileAbort{&CompileError{InsnID: -1, Err: err, Detail: fmt.Sprintf(format, args...)}})
}

// Generate lowers a scheduled, register-allocated graph into native code.
// A returned error only affects this function; assertion failures are
// not recovered.
func Generate(g *Graph, opts Options) (*CompiledCode, error) {
	cg := &CodeGenerator{
		masm:    newMacroAssembler(opts.CodeLimit),
		graph:   g,
		info:    &g.Info,
		patches: newPatchRecorder(),
	}
	var code *CompiledCode
	err := cg.guard(func() {
		Trace.Duration("generate "+g.Name, "ion", func() {
			if verr := g.validate(); verr != nil {
				panic(compileAbort{&CompileError{InsnID: -1, Err: ErrMalformedGraph, Detail: unwrapDetail(verr, ErrMalformedGraph)}})
			}
			cg.generatePrologue()
			cg.generateBody()
			cg.generateOutOfLineCode()
			cg.checkSize()
			if verr := cg.verifyLabelGraph(); verr != nil {
				panic(compileAbort{&CompileError{InsnID: -1, Err: ErrLabelGraph, Detail: unwrapDetail(verr, ErrLabelGraph)}})
			}
			if rerr := cg.masm.ResolveFixups(); rerr != nil {
				abortf(ErrLabelGraph, "%v", rerr)
			}
			code = cg.finish()
		})
	})
	if err != nil {
		return nil, err
	}
	stats.compiled.Add(1)
	stats.codeBytes.Add(int64(len(code.Code)))
	Log.Debug("ion: %s: %d bytes, frame %d (class %s), %d bailouts, %d patches",
		code.Name, len(code.Code), code.FrameSize, code.FrameClass, len(code.Bailouts), len(code.Patches))
	return code, nil
}

// guard runs body and turns an abortf inside it into the returned
// *CompileError. Any other panic, AssertionError included, passes through.
func (cg *CodeGenerator) guard(body func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			abort, ok := r.(compileAbort)
			if !ok {
				panic(r)
			}
			err = cg.withContext(abort.err)
			stats.aborted.Add(1)
			Log.Warning("ion: compile of %s abandoned: %v", cg.graph.Name, err)
		}
	}()
	body()
	return nil
}

// unwrapDetail strips the "sentinel: " prefix of an error built with %w.
func unwrapDetail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

func (cg *CodeGenerator) withContext(e *CompileError) *CompileError {
	e.Function = cg.graph.Name
	if e.InsnID < 0 && cg.currentInsn != nil {
		e.InsnID = cg.currentInsn.ID
		e.Op = cg.currentInsn.Op
	}
	return e
}

func (cg *CodeGenerator) checkSize() {
	if cg.masm.Overflow() {
		abortf(ErrCodeTooLarge, "limit exceeded at %d bytes", cg.masm.Size())
	}
}

// generatePrologue reserves the frame. Frames that fit a size class are
// rounded up to it so that the shared trampoline knows the frame size.
func (cg *CodeGenerator) generatePrologue() {
	cg.frameClass = FrameSizeClassFromDepth(cg.graph.FrameDepth)
	if cg.frameClass.Valid() {
		cg.frameSize = cg.frameClass.FrameSize()
	} else {
		cg.frameSize = cg.graph.FrameDepth
	}
	if cg.frameSize > 0 {
		cg.masm.EmitSubImm32(x86.R(x86.ESP), int32(cg.frameSize))
	}
}

func (cg *CodeGenerator) generateBody() {
	m := cg.masm
	cg.blockLabels = make(map[*Block]x86.Label, len(cg.graph.Blocks))
	for _, b := range cg.graph.Blocks {
		cg.blockLabels[b] = m.ReserveLabel()
	}
	for i, b := range cg.graph.Blocks {
		cg.blockIndex = i
		m.MarkLabel(cg.blockLabels[b])
		for _, ins := range b.Instructions {
			cg.currentInsn = ins
			cg.lower(ins)
			if cg.pushed != 0 {
				panic(assertf("%s leaves %d bytes pushed", ins.Op, cg.pushed))
			}
			if m.Overflow() {
				cg.checkSize()
			}
		}
	}
	cg.currentInsn = nil
}

func (cg *CodeGenerator) finish() *CompiledCode {
	m := cg.masm
	table := newBailoutTable()
	for _, p := range cg.sites {
		s := p.site
		s.OOLEntry = p.ool.entryPos
		table.ReplaceOrInsert(s)
	}
	bailouts := make([]BailoutSite, 0, table.Len())
	table.Ascend(func(s BailoutSite) bool {
		bailouts = append(bailouts, s)
		return true
	})
	stats.bailoutSites.Add(int64(len(bailouts)))

	code := &CompiledCode{
		ID:         uuid.New(),
		Name:       cg.graph.Name,
		Arch:       TargetArch,
		Code:       m.Bytes(),
		HotSize:    cg.hotEnd,
		FrameSize:  cg.frameSize,
		FrameClass: cg.frameClass,
		Snapshots:  append([]byte(nil), cg.snapshots.Bytes()...),
		Bailouts:   bailouts,
		Patches:    cg.patches.records(),
		Relocs:     cg.relocs,
		patchIndex: cg.patches.tree.Clone(),
		rt:         &codeRuntime{},
	}
	code.rt.bailoutCounts = make([]atomic.Uint32, len(bailouts))
	return code
}

// --- operand access ---

func (cg *CodeGenerator) toRegister(a Allocation) x86.Register {
	if a.Kind != AllocGPR {
		abortf(ErrMalformedGraph, "expected a register, got %s", a)
	}
	return a.Reg
}

func (cg *CodeGenerator) toFloatRegister(a Allocation) x86.FloatRegister {
	if a.Kind != AllocFPU {
		abortf(ErrMalformedGraph, "expected a float register, got %s", a)
	}
	return a.FReg
}

// toOperand addresses a register or memory location. Stack slots are
// relative to the body stack pointer, so pushes in flight shift them.
func (cg *CodeGenerator) toOperand(a Allocation) x86.Operand {
	switch a.Kind {
	case AllocGPR:
		return x86.R(a.Reg)
	case AllocFPU:
		return x86.F(a.FReg)
	case AllocStack:
		return x86.Address(x86.ESP, a.Slot+cg.pushed)
	case AllocArgument:
		return x86.Address(x86.ESP, int32(cg.frameSize)+cg.pushed+4+a.Slot)
	}
	abortf(ErrMalformedGraph, "no operand for %s", a)
	return x86.Operand{}
}

// toValue reads a boxed operand pair starting at index i.
func (cg *CodeGenerator) toValue(ops []Allocation, i int) ValueOperand {
	return ValueOperand{
		Type:    cg.toRegister(ops[i+TypeIndex]),
		Payload: cg.toRegister(ops[i+PayloadIndex]),
	}
}

// defValue is the boxed output pair of an instruction.
func (cg *CodeGenerator) defValue(ins *Instruction) ValueOperand {
	return cg.toValue(ins.Defs, 0)
}

// checkAllocations rejects instructions the allocator left incomplete.
func (cg *CodeGenerator) checkAllocations(ins *Instruction) {
	for _, list := range [][]Allocation{ins.Operands, ins.Defs, ins.Temps} {
		for i, a := range list {
			if a.Kind == AllocUnassigned {
				abortf(ErrMissingAllocation, "position %d of %s", i, ins.Op)
			}
		}
	}
}

// --- control flow ---

func (cg *CodeGenerator) isNextBlock(b *Block) bool {
	next := cg.blockIndex + 1
	return next < len(cg.graph.Blocks) && cg.graph.Blocks[next] == b
}

// jumpToBlock jumps to b on cc.
func (cg *CodeGenerator) jumpToBlock(b *Block, cc x86.Condition) {
	cg.masm.EmitJcc(cc, cg.blockLabels[b])
}

// gotoBlock jumps unconditionally unless b follows directly.
func (cg *CodeGenerator) gotoBlock(b *Block) {
	if !cg.isNextBlock(b) {
		cg.masm.EmitJmp(cg.blockLabels[b])
	}
}

// emitBranch ends a block with a two-way branch, leaving out the jump to
// whichever successor falls through.
func (cg *CodeGenerator) emitBranch(cc x86.Condition, ifTrue, ifFalse *Block) {
	switch {
	case cg.isNextBlock(ifFalse):
		cg.jumpToBlock(ifTrue, cc)
	case cg.isNextBlock(ifTrue):
		cg.jumpToBlock(ifFalse, cc.Invert())
	default:
		cg.jumpToBlock(ifTrue, cc)
		cg.masm.EmitJmp(cg.blockLabels[ifFalse])
	}
}

// --- relocations, exceptions and bailouts ---

func (cg *CodeGenerator) addReloc(kind RelocKind, pos int32, target uint32) {
	if pos < 0 {
		panic(assertf("%s relocation without field", kind))
	}
	cg.relocs = append(cg.relocs, Relocation{Kind: kind, At: uint32(pos), Target: target})
}

func (cg *CodeGenerator) jumpToExceptionHandler(cc x86.Condition) {
	pos := cg.masm.EmitJccExternal(cc)
	cg.addReloc(RelocExceptionHandler, pos, cg.info.ExceptionHandlerAddr)
}

func (cg *CodeGenerator) encodeSnapshot(snap *Snapshot) uint32 {
	if snap == nil {
		abortf(ErrMissingSnapshot, "guard without snapshot")
	}
	off, err := cg.snapshots.Encode(snap)
	if err != nil {
		abortf(ErrUnrepresentableSnapshot, "%s", unwrapDetail(err, ErrUnrepresentableSnapshot))
	}
	return off
}

// bailoutIf emits a guard that leaves optimized code when cc holds.
func (cg *CodeGenerator) bailoutIf(cc x86.Condition, snap *Snapshot) {
	cg.emitBailout(snap, func(l x86.Label) { cg.masm.EmitJcc(cc, l) })
}

// bailout leaves optimized code unconditionally.
func (cg *CodeGenerator) bailout(snap *Snapshot) {
	cg.emitBailout(snap, func(l x86.Label) { cg.masm.EmitJmp(l) })
}

func (cg *CodeGenerator) emitBailout(snap *Snapshot, jump func(x86.Label)) {
	if cg.pushed != 0 {
		panic(assertf("bailout with %d bytes pushed", cg.pushed))
	}
	offset := cg.encodeSnapshot(snap)
	ool := cg.addOutOfLineCode("bailout", func(ool *OutOfLineCode) {
		cg.emitBailoutStub(offset)
		cg.transferred(ool)
	})
	site := BailoutSite{CodeOffset: cg.masm.Size(), SnapshotOffset: offset}
	jump(ool.entry)
	cg.sites = append(cg.sites, pendingSite{site, ool})
}

// emitBailoutStub pushes what the trampoline of this frame class needs and
// jumps to it.
func (cg *CodeGenerator) emitBailoutStub(snapshotOffset uint32) {
	m := cg.masm
	m.EmitPushImm32(snapshotOffset)
	if !cg.frameClass.Valid() {
		m.EmitPushImm32(cg.frameSize)
	}
	pos := m.EmitJmpExternal()
	cg.addReloc(RelocTrampoline, pos, trampolineIndex(cg.frameClass))
}

// IsCompileError reports whether err abandoned a compilation.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
