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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/launix-de/ionjit/ion/x86"
)

// BailoutState follows one activation from a failed guard back into the
// baseline tier.
type BailoutState uint8

const (
	BailoutRunning BailoutState = iota
	BailoutGuardFailed
	BailoutSnapshotRestore
	BailoutResumeInBaseline
)

var bailoutStateNames = [...]string{"running", "guard-failed", "snapshot-restore", "resume-in-baseline"}

func (s BailoutState) String() string {
	if int(s) < len(bailoutStateNames) {
		return bailoutStateNames[s]
	}
	return fmt.Sprintf("bailoutstate(%d)", uint8(s))
}

// Next validates a transition. The cycle closes when the baseline tier
// re-enters optimized code.
func (s BailoutState) Next(to BailoutState) (BailoutState, error) {
	switch {
	case s == BailoutRunning && to == BailoutGuardFailed,
		s == BailoutGuardFailed && to == BailoutSnapshotRestore,
		s == BailoutSnapshotRestore && to == BailoutResumeInBaseline,
		s == BailoutResumeInBaseline && to == BailoutRunning:
		return to, nil
	}
	return s, fmt.Errorf("ion: invalid bailout transition %s -> %s", s, to)
}

// BailoutSite maps a guard in the code to its snapshot.
type BailoutSite struct {
	CodeOffset     uint32 // first byte of the guard jump
	SnapshotOffset uint32
	OOLEntry       uint32 // position of the out-of-line stub
}

func bailoutSiteLess(a, b BailoutSite) bool {
	return a.CodeOffset < b.CodeOffset
}

func newBailoutTable() *btree.BTreeG[BailoutSite] {
	return btree.NewG[BailoutSite](8, bailoutSiteLess)
}

// MachineState is the register and stack contents a bailout reads back.
// Stack offsets are relative to the stack pointer of the function body.
type MachineState interface {
	GPR(r x86.Register) uint32
	FPU(f x86.FloatRegister) uint64
	Stack(offset int32) (uint32, error)
}

// RegisterDump is the state saved by a bailout trampoline.
type RegisterDump struct {
	GPRs  [x86.NumRegisters]uint32
	FPRs  [x86.NumFloatRegisters]uint64
	Frame []byte // memory from the body stack pointer upwards
}

func (d *RegisterDump) GPR(r x86.Register) uint32       { return d.GPRs[r] }
func (d *RegisterDump) FPU(f x86.FloatRegister) uint64 { return d.FPRs[f] }

func (d *RegisterDump) Stack(offset int32) (uint32, error) {
	if offset < 0 || int(offset)+4 > len(d.Frame) {
		return 0, fmt.Errorf("ion: stack offset %d outside saved frame", offset)
	}
	return binary.LittleEndian.Uint32(d.Frame[offset:]), nil
}

// Layout of the trampoline's save area, lowest address first.
const (
	dumpFPUBytes = x86.NumFloatRegisters * 8
	dumpGPRBytes = x86.NumRegisters * 4
)

// ReadRegisterDump decodes the memory a trampoline of the given class has
// built at its stack pointer: saved xmm registers, pushad block, for the
// class-less trampoline the frame size, then the snapshot offset and the
// frame itself.
func ReadRegisterDump(mem []byte, class FrameSizeClass) (*RegisterDump, uint32, error) {
	hdr := dumpFPUBytes + dumpGPRBytes + 4
	if !class.Valid() {
		hdr += 4
	}
	if len(mem) < hdr {
		return nil, 0, fmt.Errorf("ion: register dump too short (%d bytes)", len(mem))
	}
	d := &RegisterDump{}
	for i := range d.FPRs {
		d.FPRs[i] = binary.LittleEndian.Uint64(mem[i*8:])
	}
	// pushad stores EAX at the highest address and EDI at the lowest
	for i := 0; i < x86.NumRegisters; i++ {
		d.GPRs[x86.NumRegisters-1-i] = binary.LittleEndian.Uint32(mem[dumpFPUBytes+i*4:])
	}
	snapshotOffset := binary.LittleEndian.Uint32(mem[hdr-4:])
	d.Frame = mem[hdr:]
	return d, snapshotOffset, nil
}

// RecoveredValue is one baseline frame value rebuilt from a snapshot.
type RecoveredValue struct {
	VReg  uint32
	Value Value
}

// BailoutFrame is what the baseline tier resumes with.
type BailoutFrame struct {
	State    BailoutState
	ResumePC uint32
	Values   []RecoveredValue
}

// RestoreFrame rebuilds the boxed values a snapshot describes. It does one
// pass over the entries; guards are not re-evaluated.
func RestoreFrame(code *CompiledCode, snapshotOffset uint32, m MachineState) (*BailoutFrame, error) {
	frame := &BailoutFrame{State: BailoutRunning}
	advance := func(to BailoutState) (err error) {
		frame.State, err = frame.State.Next(to)
		return err
	}
	if err := advance(BailoutGuardFailed); err != nil {
		return nil, err
	}
	code.noteBailout(snapshotOffset)

	snap, err := DecodeSnapshot(code.Snapshots, snapshotOffset)
	if err != nil {
		return nil, err
	}
	if err := advance(BailoutSnapshotRestore); err != nil {
		return nil, err
	}
	frame.ResumePC = snap.ResumePC
	frame.Values = make([]RecoveredValue, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		v, err := recoverEntry(code, e, m)
		if err != nil {
			return nil, fmt.Errorf("ion: restoring vreg %d: %w", e.VReg, err)
		}
		frame.Values = append(frame.Values, RecoveredValue{e.VReg, v})
	}
	if err := advance(BailoutResumeInBaseline); err != nil {
		return nil, err
	}
	stats.bailouts.Add(1)
	return frame, nil
}

func readWord(code *CompiledCode, a Allocation, m MachineState) (uint32, error) {
	switch a.Kind {
	case AllocGPR:
		return m.GPR(a.Reg), nil
	case AllocStack:
		return m.Stack(a.Slot)
	case AllocArgument:
		return m.Stack(int32(code.FrameSize) + 4 + a.Slot)
	}
	return 0, fmt.Errorf("unreadable location %s", a)
}

func recoverEntry(code *CompiledCode, e SnapshotEntry, m MachineState) (Value, error) {
	switch e.Kind {
	case SlotConstant:
		return e.Const, nil
	case SlotTyped:
		payload, err := readWord(code, e.Payload, m)
		if err != nil {
			return 0, err
		}
		if !e.Type.IsBoxable() || e.Type == MIRTypeDouble {
			return 0, fmt.Errorf("no boxed form for %s", e.Type)
		}
		return Box(ValueTypeFromMIRType(e.Type), payload), nil
	case SlotUntyped:
		tag, err := readWord(code, e.TypeLoc, m)
		if err != nil {
			return 0, err
		}
		payload, err := readWord(code, e.Payload, m)
		if err != nil {
			return 0, err
		}
		return Value(uint64(tag)<<32 | uint64(payload)), nil
	case SlotDouble:
		if e.Payload.Kind == AllocFPU {
			return BoxDouble(math.Float64frombits(m.FPU(e.Payload.FReg))), nil
		}
		lo, err := readWord(code, e.Payload, m)
		if err != nil {
			return 0, err
		}
		hi, err := readWord(code, e.Payload.offsetBy(4), m)
		if err != nil {
			return 0, err
		}
		return BoxDouble(math.Float64frombits(uint64(hi)<<32 | uint64(lo))), nil
	}
	return 0, fmt.Errorf("bad slot kind %s", e.Kind)
}

func (a Allocation) offsetBy(delta int32) Allocation {
	a.Slot += delta
	return a
}
