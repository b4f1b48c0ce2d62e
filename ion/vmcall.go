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
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/ionjit/ion/x86"
)

// ArgKind is the shape of one VM function argument.
type ArgKind uint8

const (
	ArgWord  ArgKind = iota // one 32-bit word
	ArgValue                // a boxed value, two words
)

// OutKind is the shape of a VM function result.
type OutKind uint8

const (
	OutNothing OutKind = iota
	OutWord            // EAX
	OutValue           // EDX:EAX = type:payload
)

// VMFunction describes a runtime helper callable from compiled code. The
// address is supplied by the embedder at link time.
type VMFunction struct {
	Name     string
	Args     []ArgKind
	Out      OutKind
	Fallible bool // failure leaves an exception pending: EAX==0, or a magic tag for OutValue
	CanGC    bool
	ID       uint32
}

func (f VMFunction) GetKey() string { return f.Name }
func (f VMFunction) ComputeSize() uint {
	return uint(64 + len(f.Name) + len(f.Args))
}

// ArgWords is the number of stack words the arguments take.
func (f *VMFunction) ArgWords() int {
	n := 0
	for _, a := range f.Args {
		if a == ArgValue {
			n += 2
		} else {
			n++
		}
	}
	return n
}

var vmFunctions = NonLockingReadMap.New[VMFunction, string]()
var vmFunctionIDs atomic.Uint32
var vmFunctionsMu sync.Mutex

// RegisterVMFunction adds f to the process-wide table and returns the
// registered copy. Registering a name twice keeps the first ID.
func RegisterVMFunction(f VMFunction) *VMFunction {
	if old := vmFunctions.Get(f.Name); old != nil {
		return old
	}
	vmFunctionsMu.Lock()
	defer vmFunctionsMu.Unlock()
	if old := vmFunctions.Get(f.Name); old != nil {
		return old
	}
	f.ID = vmFunctionIDs.Add(1)
	vmFunctions.Set(&f)
	return &f
}

// LookupVMFunction finds a registered function by name.
func LookupVMFunction(name string) *VMFunction {
	return vmFunctions.Get(name)
}

// VMFunctions lists the registered functions in name order.
func VMFunctions() []*VMFunction {
	return vmFunctions.GetAll()
}

// LookupVMFunctionByID is the reverse lookup the linker uses.
func LookupVMFunctionByID(id uint32) *VMFunction {
	for _, f := range vmFunctions.GetAll() {
		if f.ID == id {
			return f
		}
	}
	return nil
}

var (
	vmInterruptCheck = RegisterVMFunction(VMFunction{Name: "InterruptCheck", Fallible: true, CanGC: true})
	vmPreBarrier     = RegisterVMFunction(VMFunction{Name: "PreBarrier", Args: []ArgKind{ArgWord}})
	vmBailout        = RegisterVMFunction(VMFunction{Name: "Bailout", Args: []ArgKind{ArgWord}, Out: OutWord})
)

func init() {
	RegisterVMFunction(VMFunction{Name: "ConcatStrings", Args: []ArgKind{ArgWord, ArgWord}, Out: OutWord, Fallible: true, CanGC: true})
	RegisterVMFunction(VMFunction{Name: "ToNumber", Args: []ArgKind{ArgValue}, Out: OutValue, Fallible: true})
	RegisterVMFunction(VMFunction{Name: "ThrowTypeError", Args: []ArgKind{ArgWord}, Fallible: true})
}

func bailoutVMFunction() *VMFunction {
	return vmBailout
}

// resultKind tells callVM where a result goes.
type resultKind uint8

const (
	storeNothing resultKind = iota
	storeRegister
	storeValue
)

// ResultStore is the destination of a VM call result.
type ResultStore struct {
	kind  resultKind
	reg   x86.Register
	value ValueOperand
}

func StoreNothing() ResultStore                 { return ResultStore{kind: storeNothing} }
func StoreRegisterTo(r x86.Register) ResultStore { return ResultStore{kind: storeRegister, reg: r} }
func StoreValueTo(v ValueOperand) ResultStore    { return ResultStore{kind: storeValue, value: v} }

// clobbered are the registers the store writes; they are not restored.
func (s ResultStore) clobbered() x86.RegisterSet {
	var set x86.RegisterSet
	switch s.kind {
	case storeRegister:
		set = set.Add(s.reg)
	case storeValue:
		set = set.Add(s.value.Type).Add(s.value.Payload)
	}
	return set
}

// vmArg is one pushed word. Boxed arguments are two vmArgs, payload
// first, so that the payload ends up at the lower address.
type vmArg struct {
	loc      Allocation
	typeWord bool
}

// callVM emits a call to fn in the current stream. Registers in live
// survive the call by being saved and reloaded.
func (cg *CodeGenerator) callVM(fn *VMFunction, args []vmArg, out ResultStore, live x86.RegisterSet) {
	if len(args) != fn.ArgWords() {
		panic(assertf("%s takes %d words, got %d", fn.Name, fn.ArgWords(), len(args)))
	}
	switch {
	case fn.Out == OutNothing && out.kind != storeNothing,
		fn.Out == OutWord && out.kind == storeValue,
		fn.Out == OutValue && out.kind == storeRegister:
		panic(assertf("%s: result store does not match", fn.Name))
	}
	m := cg.masm
	saved := live.Remove(x86.ESP).Remove(x86.EBP) &^ out.clobbered()
	regs := saved.Registers()
	for _, r := range regs {
		m.EmitPushReg(r)
		cg.pushed += 4
	}

	// cdecl: last argument first
	for i := len(args) - 1; i >= 0; i-- {
		a := args[i].loc
		switch a.Kind {
		case AllocGPR:
			m.EmitPushReg(a.Reg)
		case AllocConstant:
			if args[i].typeWord {
				m.EmitPushImm32(a.Const.TagWord())
			} else {
				cg.pushConstantPayload(a.Const)
			}
		case AllocStack, AllocArgument:
			m.EmitPushMem(cg.toOperand(a))
		default:
			panic(assertf("%s: argument in %s", fn.Name, a))
		}
		cg.pushed += 4
	}

	pos := m.EmitCallExternal()
	cg.addReloc(RelocVMCall, pos, fn.ID)
	if len(args) > 0 {
		m.EmitAddImm32(x86.R(x86.ESP), int32(4*len(args)))
		cg.pushed -= int32(4 * len(args))
	}

	if fn.Fallible {
		switch fn.Out {
		case OutValue:
			m.EmitCmpImm32(x86.R(x86.EDX), TagMagic.Imm())
			cg.jumpToExceptionHandler(x86.Equal)
		default:
			m.EmitTestRegReg(x86.EAX, x86.EAX)
			cg.jumpToExceptionHandler(x86.Zero)
		}
	}

	switch out.kind {
	case storeRegister:
		if out.reg != x86.EAX {
			m.EmitMovRegReg(out.reg, x86.EAX)
		}
	case storeValue:
		cg.moveReturnedValue(out.value)
	}

	for i := len(regs) - 1; i >= 0; i-- {
		m.EmitPopReg(regs[i])
		cg.pushed -= 4
	}
	stats.vmCalls.Add(1)
}

func (cg *CodeGenerator) pushConstantPayload(v Value) {
	pos := cg.masm.EmitPushImm32(v.Payload())
	if v.Type() == ValueTypeObject || v.Type() == ValueTypeString {
		cg.addReloc(RelocGCPointer, pos, 0)
	}
}

// moveReturnedValue moves EDX:EAX into a value pair without clobbering.
func (cg *CodeGenerator) moveReturnedValue(v ValueOperand) {
	m := cg.masm
	switch {
	case v.Type == x86.EDX && v.Payload == x86.EAX:
	case v.Type == x86.EAX && v.Payload == x86.EDX:
		m.EmitXchgRegReg(x86.EAX, x86.EDX)
	case v.Type == x86.EAX:
		m.EmitMovRegReg(v.Payload, x86.EAX)
		m.EmitMovRegReg(v.Type, x86.EDX)
	default:
		if v.Type != x86.EDX {
			m.EmitMovRegReg(v.Type, x86.EDX)
		}
		if v.Payload != x86.EAX {
			m.EmitMovRegReg(v.Payload, x86.EAX)
		}
	}
}

// oolCallVM moves the call onto an out-of-line path: the hot stream jumps
// there on cc (or unconditionally when guarded is false) and execution
// rejoins right after.
func (cg *CodeGenerator) oolCallVM(fn *VMFunction, args []vmArg, out ResultStore, live x86.RegisterSet) *OutOfLineCode {
	ool := cg.addOutOfLineCode("vmcall", func(ool *OutOfLineCode) {
		cg.callVM(fn, args, out, live)
		cg.rejoin(ool)
	})
	return ool
}

// vmArgs flattens an instruction's operands for fn. A boxed argument
// consumes a type/payload operand pair.
func vmArgs(fn *VMFunction, ops []Allocation) []vmArg {
	if len(ops) != fn.ArgWords() {
		abortf(ErrMalformedGraph, "%s takes %d words, got %d operands", fn.Name, fn.ArgWords(), len(ops))
	}
	for _, a := range ops {
		switch a.Kind {
		case AllocGPR, AllocConstant, AllocStack, AllocArgument:
		default:
			abortf(ErrMalformedGraph, "%s: argument in %s", fn.Name, a)
		}
	}
	args := make([]vmArg, 0, len(ops))
	i := 0
	for _, k := range fn.Args {
		if k == ArgValue {
			args = append(args, vmArg{loc: ops[i+PayloadIndex]}, vmArg{loc: ops[i+TypeIndex], typeWord: true})
			i += BoxPieces
			continue
		}
		args = append(args, vmArg{loc: ops[i]})
		i++
	}
	return args
}

func wordArgs(locs ...Allocation) []vmArg {
	args := make([]vmArg, len(locs))
	for i, l := range locs {
		args[i] = vmArg{loc: l}
	}
	return args
}
