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
package ion

import (
	"fmt"
	"math"

	"github.com/launix-de/ionjit/ion/x86"
)

/*
LIR contract
============

The register allocator hands us a graph of blocks whose instructions already
carry their final locations. Each Allocation describes where one operand,
definition or temp lives:

  - AllocGPR:      32-bit general purpose register (Reg).
  - AllocFPU:      SSE register (FReg), for doubles and asm float32/64.
  - AllocStack:    frame slot at [esp + Slot] relative to the function body.
  - AllocArgument: incoming argument at Slot bytes above the return address.
  - AllocConstant: compile-time constant, boxed in Const.
  - AllocUnassigned: the allocator did not place this operand. Lowering such
    an instruction abandons the compilation (ErrMissingAllocation).

Boxed operands occupy two consecutive positions: the type word first, then
the payload word (TypeIndex/PayloadIndex relative to the operand's base).

Per-opcode operand layout is documented next to the opcode constants. MIR
metadata (MirInfo) is trusted as computed upstream; notably NeedsBarrier is
never re-derived here.
*/

// Index of the type/payload halves within a boxed operand pair.
const (
	TypeIndex    = 0
	PayloadIndex = 1
	BoxPieces    = 2
)

// AllocKind says where an operand lives.
type AllocKind uint8

const (
	AllocUnassigned AllocKind = iota
	AllocGPR
	AllocFPU
	AllocStack
	AllocArgument
	AllocConstant
)

var allocKindNames = [...]string{"unassigned", "gpr", "fpu", "stack", "arg", "const"}

func (k AllocKind) String() string {
	if int(k) < len(allocKindNames) {
		return allocKindNames[k]
	}
	return fmt.Sprintf("alloc(%d)", uint8(k))
}

// Allocation is an operand, definition or temp location.
type Allocation struct {
	Kind  AllocKind
	Reg   x86.Register
	FReg  x86.FloatRegister
	Slot  int32
	Const Value
	VReg  uint32 // virtual register the location holds, 0 = none
}

func GPR(r x86.Register) Allocation       { return Allocation{Kind: AllocGPR, Reg: r} }
func FPU(f x86.FloatRegister) Allocation  { return Allocation{Kind: AllocFPU, FReg: f} }
func StackSlot(off int32) Allocation      { return Allocation{Kind: AllocStack, Slot: off} }
func ArgumentSlot(off int32) Allocation   { return Allocation{Kind: AllocArgument, Slot: off} }
func ConstantAlloc(v Value) Allocation    { return Allocation{Kind: AllocConstant, Const: v} }
func UnassignedAlloc() Allocation         { return Allocation{Kind: AllocUnassigned} }
func (a Allocation) WithVReg(v uint32) Allocation { a.VReg = v; return a }

func (a Allocation) IsRegister() bool { return a.Kind == AllocGPR }
func (a Allocation) IsFloat() bool    { return a.Kind == AllocFPU }
func (a Allocation) IsConstant() bool { return a.Kind == AllocConstant }
func (a Allocation) IsMemory() bool   { return a.Kind == AllocStack || a.Kind == AllocArgument }

func (a Allocation) String() string {
	switch a.Kind {
	case AllocGPR:
		return a.Reg.String()
	case AllocFPU:
		return a.FReg.String()
	case AllocStack:
		return fmt.Sprintf("stack:%d", a.Slot)
	case AllocArgument:
		return fmt.Sprintf("arg:%d", a.Slot)
	case AllocConstant:
		return a.Const.String()
	}
	return "?"
}

// Opcode is the closed set of LIR operations this backend lowers. The
// dispatch in lower.go must name every one of them; tools/lowercheck
// verifies that.
type Opcode uint8

const (
	OpValue             Opcode = iota // defs: type, payload; mir.Constant
	OpOsrValue                        // ops: frame; defs: type, payload; mir.FrameOffset
	OpBox                             // ops: payload; defs: type[, payload]; mir.Type
	OpBoxDouble                       // ops: fpu; defs: type, payload
	OpUnbox                           // ops: type, payload; defs: out; mir.Type, mir.Fallible
	OpUnboxDouble                     // ops: type, payload; defs: fpu
	OpLoadSlotV                       // ops: slots; defs: type, payload; mir.Slot
	OpLoadSlotT                       // ops: slots; defs: out; mir.Slot, mir.Type
	OpStoreSlotT                      // ops: slots, value; mir.Slot, mir.ValueType, mir.SlotType, mir.NeedsBarrier
	OpLoadElementT                    // ops: elements, index; defs: out; mir.Type, mir.NeedsHoleCheck, mir.LoadDoubles
	OpStoreElementT                   // ops: elements, index, value; mir.ValueType, mir.SlotType, mir.NeedsBarrier, mir.NeedsHoleCheck
	OpBoundsCheck                     // ops: index, length
	OpImplicitThis                    // ops: callee; defs: type, payload
	OpRecompileCheck                  // mir.MinUses
	OpInterruptCheck                  //
	OpCallVM                          // ops: arguments (boxed args take two); defs by result kind; mir.VMFunction
	OpCompareB                        // ops: lhs type, lhs payload, rhs; defs: out; mir.JSOp
	OpCompareBAndBranch               // ops: lhs type, lhs payload, rhs; succ: ifTrue, ifFalse
	OpCompareV                        // ops: lhs type, payload, rhs type, payload; defs: out
	OpCompareVAndBranch               // ops: lhs type, payload, rhs type, payload; succ: ifTrue, ifFalse
	OpGoto                            // succ: target
	OpReturnValue                     // ops: type, payload
	OpAsmLoadHeap                     // ops: ptr; defs: out; mir.ViewType
	OpAsmStoreHeap                    // ops: ptr, value; mir.ViewType
	OpAsmLoadGlobalVar                // defs: out; mir.Type, mir.GlobalDataOffset
	OpAsmStoreGlobalVar               // ops: value; mir.ValueType, mir.GlobalDataOffset
	OpAsmLoadFuncPtr                  // ops: index; defs: out; mir.GlobalDataOffset
	OpAsmLoadFFIFunc                  // defs: out; mir.GlobalDataOffset
	OpAsmCall                         // ops: [callee]; defs: [out]; mir.Callee, mir.Type

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	"value", "osrvalue", "box", "boxdouble", "unbox", "unboxdouble",
	"loadslotv", "loadslott", "storeslott", "loadelementt", "storeelementt",
	"boundscheck", "implicitthis", "recompilecheck", "interruptcheck", "callvm",
	"compareb", "comparebandbranch", "comparev", "comparevandbranch",
	"goto", "returnvalue",
	"asmloadheap", "asmstoreheap", "asmloadglobalvar", "asmstoreglobalvar",
	"asmloadfuncptr", "asmloadffifunc", "asmcall",
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOpcode maps a lower-case opcode name back to its constant.
func ParseOpcode(s string) (Opcode, bool) {
	for i, n := range opcodeNames {
		if n == s {
			return Opcode(i), true
		}
	}
	return numOpcodes, false
}

// IsControl reports whether the opcode ends a block.
func (op Opcode) IsControl() bool {
	switch op {
	case OpGoto, OpReturnValue, OpCompareBAndBranch, OpCompareVAndBranch:
		return true
	}
	return false
}

// JSOp is the comparison operator of a Compare instruction.
type JSOp uint8

const (
	JSOpEq JSOp = iota
	JSOpNe
	JSOpStrictEq
	JSOpStrictNe
	JSOpLt
	JSOpLe
	JSOpGt
	JSOpGe
)

var jsopNames = [...]string{"eq", "ne", "stricteq", "strictne", "lt", "le", "gt", "ge"}

func (op JSOp) String() string {
	if int(op) < len(jsopNames) {
		return jsopNames[op]
	}
	return fmt.Sprintf("jsop(%d)", uint8(op))
}

func ParseJSOp(s string) (JSOp, bool) {
	for i, n := range jsopNames {
		if n == s {
			return JSOp(i), true
		}
	}
	return 0, false
}

// IsEquality covers loose and strict (in)equality.
func (op JSOp) IsEquality() bool {
	return op <= JSOpStrictNe
}

// Condition maps an equality/relational operator on int32 payloads to
// the x86 condition that is true when the comparison holds.
func (op JSOp) Condition() x86.Condition {
	switch op {
	case JSOpEq, JSOpStrictEq:
		return x86.Equal
	case JSOpNe, JSOpStrictNe:
		return x86.NotEqual
	case JSOpLt:
		return x86.LessThan
	case JSOpLe:
		return x86.LessThanOrEqual
	case JSOpGt:
		return x86.GreaterThan
	case JSOpGe:
		return x86.GreaterThanOrEqual
	}
	panic(assertf("no condition for %s", op))
}

// ViewType is the element type of an asm.js heap view.
type ViewType uint8

const (
	ViewInt8 ViewType = iota
	ViewUint8
	ViewInt16
	ViewUint16
	ViewInt32
	ViewUint32
	ViewFloat32
	ViewFloat64
)

var viewTypeNames = [...]string{"int8", "uint8", "int16", "uint16", "int32", "uint32", "float32", "float64"}

func (v ViewType) String() string {
	if int(v) < len(viewTypeNames) {
		return viewTypeNames[v]
	}
	return fmt.Sprintf("view(%d)", uint8(v))
}

func ParseViewType(s string) (ViewType, bool) {
	for i, n := range viewTypeNames {
		if n == s {
			return ViewType(i), true
		}
	}
	return 0, false
}

// IsFloat reports whether loads of this view produce a double register.
func (v ViewType) IsFloat() bool {
	return v == ViewFloat32 || v == ViewFloat64
}

// CalleeKind distinguishes the targets of an asm.js call.
type CalleeKind uint8

const (
	CalleeInternal CalleeKind = iota // another function of the same module, by index
	CalleeDynamic                    // function pointer in a register (operand 0)
	CalleeBuiltin                    // runtime builtin, by id
)

// MirInfo is the architecture-independent metadata of one instruction.
// Only the fields documented for the opcode are meaningful.
type MirInfo struct {
	Type             MIRType
	ValueType        MIRType
	SlotType         MIRType // declared type of the slot or element
	Slot             int32 // byte offset from the slots base, a multiple of SizeOfValue
	FrameOffset      int32 // byte offset of an OSR value in the baseline frame
	Constant         Value
	Fallible         bool
	NeedsBarrier     bool
	NeedsHoleCheck   bool
	LoadDoubles      bool
	MinUses          uint32
	JSOp             JSOp
	ViewType         ViewType
	GlobalDataOffset uint32
	VMFunction       string
	CalleeKind       CalleeKind
	CalleeIndex      uint32
}

// Instruction is one scheduled LIR instruction.
type Instruction struct {
	ID         int // assigned by Graph.Schedule, 0 = not scheduled
	Op         Opcode
	Operands   []Allocation
	Defs       []Allocation
	Temps      []Allocation
	Mir        *MirInfo
	Snapshot   *Snapshot
	Successors []*Block
	LiveRegs   x86.RegisterSet // registers live across a VM call
}

// mir returns the metadata, never nil.
func (ins *Instruction) mir() *MirInfo {
	if ins.Mir == nil {
		return &MirInfo{}
	}
	return ins.Mir
}

// CanFail reports whether the instruction may fail a speculative guard and
// therefore needs a snapshot.
func (ins *Instruction) CanFail() bool {
	m := ins.mir()
	switch ins.Op {
	case OpUnbox:
		return m.Fallible
	case OpUnboxDouble, OpBoundsCheck, OpImplicitThis, OpRecompileCheck:
		return true
	case OpLoadElementT, OpStoreElementT:
		return m.NeedsHoleCheck
	}
	return false
}

func (ins *Instruction) String() string {
	return fmt.Sprintf("#%d %s %v -> %v", ins.ID, ins.Op, ins.Operands, ins.Defs)
}

// Block is a basic block; its last instruction is a control instruction.
type Block struct {
	ID           int
	Instructions []*Instruction
}

// CompileInfo carries the runtime addresses a compilation may bake in.
type CompileInfo struct {
	UseCountAddr         uint32 // the script's use counter
	GlobalObject         uint32 // the script's global, for ImplicitThis
	InterruptFlagAddr    uint32 // process-wide interrupt flag
	BarrierFlagAddr      uint32 // zone "needs barrier" flag
	EnvironmentOffset    int32  // offset of the environment slot in a function object
	ExceptionHandlerAddr uint32 // 0 = LinkBases.ExceptionHandler
}

// Graph is the input of one function compilation.
type Graph struct {
	Name       string
	Blocks     []*Block
	FrameDepth uint32 // bytes of local slots, as computed by the allocator
	NumVRegs   uint32
	Info       CompileInfo
}

// Schedule assigns instruction IDs in emission order.
func (g *Graph) Schedule() {
	id := 1
	for i, b := range g.Blocks {
		b.ID = i
		for _, ins := range b.Instructions {
			ins.ID = id
			id++
		}
	}
}

// validate checks the structural properties lowering relies on.
func (g *Graph) validate() error {
	if len(g.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrMalformedGraph)
	}
	inGraph := make(map[*Block]bool, len(g.Blocks))
	for _, b := range g.Blocks {
		inGraph[b] = true
	}
	last := 0
	for _, b := range g.Blocks {
		if len(b.Instructions) == 0 {
			return fmt.Errorf("%w: block %d is empty", ErrMalformedGraph, b.ID)
		}
		for i, ins := range b.Instructions {
			if ins.ID <= last {
				return fmt.Errorf("%w: instruction %s is not scheduled", ErrMalformedGraph, ins.Op)
			}
			last = ins.ID
			if ins.Op >= numOpcodes {
				return fmt.Errorf("%w: unknown opcode %d", ErrMalformedGraph, ins.Op)
			}
			isLast := i == len(b.Instructions)-1
			if ins.Op.IsControl() != isLast {
				return fmt.Errorf("%w: block %d: control instruction %s out of place", ErrMalformedGraph, b.ID, ins.Op)
			}
			want := 0
			switch ins.Op {
			case OpGoto:
				want = 1
			case OpCompareBAndBranch, OpCompareVAndBranch:
				want = 2
			}
			if len(ins.Successors) != want {
				return fmt.Errorf("%w: %s needs %d successors", ErrMalformedGraph, ins.Op, want)
			}
			for _, s := range ins.Successors {
				if !inGraph[s] {
					return fmt.Errorf("%w: %s jumps out of the graph", ErrMalformedGraph, ins.Op)
				}
			}
			if n := minOperands(ins.Op); len(ins.Operands) < n {
				return fmt.Errorf("%w: %s needs %d operands, has %d", ErrMalformedGraph, ins.Op, n, len(ins.Operands))
			}
			if n := minDefs(ins.Op); len(ins.Defs) < n {
				return fmt.Errorf("%w: %s needs %d definitions, has %d", ErrMalformedGraph, ins.Op, n, len(ins.Defs))
			}
			if ins.mir().JSOp > JSOpGe {
				return fmt.Errorf("%w: %s with operator %d", ErrMalformedGraph, ins.Op, ins.mir().JSOp)
			}
		}
	}
	return nil
}

func minOperands(op Opcode) int {
	switch op {
	case OpOsrValue, OpBox, OpBoxDouble, OpLoadSlotV, OpLoadSlotT, OpImplicitThis, OpAsmLoadHeap, OpAsmStoreGlobalVar, OpAsmLoadFuncPtr:
		return 1
	case OpUnbox, OpUnboxDouble, OpStoreSlotT, OpLoadElementT, OpBoundsCheck, OpReturnValue, OpAsmStoreHeap:
		return 2
	case OpStoreElementT, OpCompareB, OpCompareBAndBranch:
		return 3
	case OpCompareV, OpCompareVAndBranch:
		return 4
	}
	return 0
}

func minDefs(op Opcode) int {
	switch op {
	case OpUnbox, OpUnboxDouble, OpLoadSlotT, OpLoadElementT, OpCompareB, OpCompareV,
		OpAsmLoadHeap, OpAsmLoadGlobalVar, OpAsmLoadFuncPtr, OpAsmLoadFFIFunc, OpBox:
		return 1
	case OpValue, OpOsrValue, OpBoxDouble, OpLoadSlotV, OpImplicitThis:
		return 2
	}
	return 0
}

// constantInt32 reads an int32-ish constant operand (int32 or boolean payload).
func constantInt32(a Allocation) int32 {
	if a.Const.IsDouble() {
		d := a.Const.Double()
		if d != math.Trunc(d) {
			abortf(ErrMalformedGraph, "non-integral constant %v", a.Const)
		}
		return int32(d)
	}
	return int32(a.Const.Payload())
}
