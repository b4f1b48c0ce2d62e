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
	"errors"
	"fmt"

	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/ionjit/ion/x86"
)

// SlotKind says how a snapshot entry recovers its value.
type SlotKind uint8

const (
	SlotConstant SlotKind = iota // the value is known at compile time
	SlotTyped                    // static type known, payload in Payload
	SlotUntyped                  // type word in TypeLoc, payload in Payload
	SlotDouble                   // raw double in Payload (fpu or stack)
)

var slotKindNames = [...]string{"constant", "typed", "untyped", "double"}

func (k SlotKind) String() string {
	if int(k) < len(slotKindNames) {
		return slotKindNames[k]
	}
	return fmt.Sprintf("slotkind(%d)", uint8(k))
}

func ParseSlotKind(s string) (SlotKind, bool) {
	for i, n := range slotKindNames {
		if n == s {
			return SlotKind(i), true
		}
	}
	return 0, false
}

// SnapshotEntry recovers one virtual register of the baseline frame.
type SnapshotEntry struct {
	VReg    uint32
	Kind    SlotKind
	Type    MIRType
	TypeLoc Allocation
	Payload Allocation
	Const   Value
}

// Snapshot describes the baseline frame at one resume point. Live lists the
// virtual registers the baseline tier needs after resuming; every one of
// them must have an entry.
type Snapshot struct {
	ResumePC uint32
	Entries  []SnapshotEntry
	Live     []uint32
}

// errSnapshot builds a wrapped ErrUnrepresentableSnapshot.
func errSnapshot(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnrepresentableSnapshot, fmt.Sprintf(format, args...))
}

// Validate checks that every entry can be read back by a bailout and that
// no live value is left out.
func (s *Snapshot) Validate() error {
	covered := NonLockingReadMap.NewBitMap()
	for i, e := range s.Entries {
		switch e.Kind {
		case SlotConstant:
		case SlotTyped:
			if !e.Type.IsBoxable() || e.Type == MIRTypeDouble {
				return errSnapshot("entry %d: type %s has no boxed form", i, e.Type)
			}
			if !validWordLoc(e.Payload) {
				return errSnapshot("entry %d: payload in %s", i, e.Payload)
			}
		case SlotUntyped:
			if !validWordLoc(e.TypeLoc) || !validWordLoc(e.Payload) {
				return errSnapshot("entry %d: value in %s/%s", i, e.TypeLoc, e.Payload)
			}
		case SlotDouble:
			if e.Payload.Kind != AllocFPU && !e.Payload.IsMemory() {
				return errSnapshot("entry %d: double in %s", i, e.Payload)
			}
		default:
			return errSnapshot("entry %d: kind %d", i, e.Kind)
		}
		covered.Set(uint(e.VReg), true)
	}
	for _, v := range s.Live {
		if !covered.Get(uint(v)) {
			return errSnapshot("live vreg %d has no entry", v)
		}
	}
	return nil
}

func validWordLoc(a Allocation) bool {
	return a.Kind == AllocGPR || a.IsMemory()
}

// SnapshotWriter appends encoded snapshots to one buffer per compilation.
//
// Format, all integers unsigned varints unless noted:
//
//	resumePC numEntries { kind vreg body }*
//	body: constant -> 8 bytes little endian
//	      typed    -> mirtype loc
//	      untyped  -> loc loc
//	      double   -> loc
//	loc:  allockind (gpr|fpu -> register byte; stack|arg -> signed varint)
type SnapshotWriter struct {
	buf     []byte
	count   int
	encoded map[*Snapshot]uint32
}

// Encode validates and appends s once; later calls return the same offset.
func (w *SnapshotWriter) Encode(s *Snapshot) (uint32, error) {
	if off, ok := w.encoded[s]; ok {
		return off, nil
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}
	off := len(w.buf)
	w.buf = binary.AppendUvarint(w.buf, uint64(s.ResumePC))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s.Entries)))
	for _, e := range s.Entries {
		w.buf = append(w.buf, byte(e.Kind))
		w.buf = binary.AppendUvarint(w.buf, uint64(e.VReg))
		switch e.Kind {
		case SlotConstant:
			w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(e.Const))
		case SlotTyped:
			w.buf = append(w.buf, byte(e.Type))
			w.writeLoc(e.Payload)
		case SlotUntyped:
			w.writeLoc(e.TypeLoc)
			w.writeLoc(e.Payload)
		case SlotDouble:
			w.writeLoc(e.Payload)
		}
	}
	if w.encoded == nil {
		w.encoded = make(map[*Snapshot]uint32)
	}
	w.encoded[s] = uint32(off)
	w.count++
	return uint32(off), nil
}

func (w *SnapshotWriter) writeLoc(a Allocation) {
	w.buf = append(w.buf, byte(a.Kind))
	switch a.Kind {
	case AllocGPR:
		w.buf = append(w.buf, byte(a.Reg))
	case AllocFPU:
		w.buf = append(w.buf, byte(a.FReg))
	default:
		w.buf = binary.AppendVarint(w.buf, int64(a.Slot))
	}
}

// Bytes returns the encoded buffer.
func (w *SnapshotWriter) Bytes() []byte {
	return w.buf
}

// Count is the number of distinct snapshots encoded.
func (w *SnapshotWriter) Count() int {
	return w.count
}

var errTruncatedSnapshot = errors.New("ion: truncated snapshot")

// snapshotReader walks one encoded snapshot.
type snapshotReader struct {
	buf []byte
	pos int
	err error
}

func (r *snapshotReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = errTruncatedSnapshot
		return 0
	}
	r.pos += n
	return v
}

func (r *snapshotReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.err = errTruncatedSnapshot
		return 0
	}
	r.pos += n
	return v
}

func (r *snapshotReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.err = errTruncatedSnapshot
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *snapshotReader) loc() Allocation {
	kind := AllocKind(r.byte())
	switch kind {
	case AllocGPR, AllocFPU:
		n := r.byte()
		if n >= x86.NumRegisters && r.err == nil {
			r.err = fmt.Errorf("ion: bad register %d in snapshot", n)
		}
		if kind == AllocGPR {
			return GPR(x86.Register(n))
		}
		return FPU(x86.FloatRegister(n))
	case AllocStack, AllocArgument:
		return Allocation{Kind: kind, Slot: int32(r.varint())}
	}
	if r.err == nil {
		r.err = fmt.Errorf("ion: bad location kind %d in snapshot", kind)
	}
	return Allocation{}
}

// DecodeSnapshot reads the snapshot at offset from an encoded buffer.
func DecodeSnapshot(buf []byte, offset uint32) (*Snapshot, error) {
	if int(offset) >= len(buf) {
		return nil, fmt.Errorf("ion: snapshot offset %d out of range", offset)
	}
	r := &snapshotReader{buf: buf, pos: int(offset)}
	s := &Snapshot{ResumePC: uint32(r.uvarint())}
	n := r.uvarint()
	if r.err == nil && n > uint64(len(buf)) {
		return nil, errTruncatedSnapshot
	}
	for i := uint64(0); i < n && r.err == nil; i++ {
		e := SnapshotEntry{Kind: SlotKind(r.byte())}
		e.VReg = uint32(r.uvarint())
		switch e.Kind {
		case SlotConstant:
			if r.pos+8 > len(buf) {
				return nil, errTruncatedSnapshot
			}
			e.Const = Value(binary.LittleEndian.Uint64(buf[r.pos:]))
			r.pos += 8
		case SlotTyped:
			e.Type = MIRType(r.byte())
			e.Payload = r.loc()
		case SlotUntyped:
			e.TypeLoc = r.loc()
			e.Payload = r.loc()
		case SlotDouble:
			e.Payload = r.loc()
		default:
			return nil, fmt.Errorf("ion: bad slot kind %d in snapshot", e.Kind)
		}
		s.Entries = append(s.Entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
