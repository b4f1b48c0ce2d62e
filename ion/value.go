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
	"math"
)

/*
nunbox32 value layout
---------------------

A Value occupies 8 bytes: the payload word at offset 0 and the tag word at
offset 4. Tags are 0xFFFFFF80|type. Doubles carry no tag at all: every
high word below 0xFFFFFF80 is the upper half of an IEEE double, so a double
is stored as its plain 8 bytes.

Only NaNs can have a high word >= 0xFFFFFF80; those are canonicalized when
boxed, every other double round-trips bit for bit.
*/

// JSValueType is the low byte of a tag.
type JSValueType uint8

const (
	ValueTypeDouble    JSValueType = 0x00
	ValueTypeInt32     JSValueType = 0x01
	ValueTypeUndefined JSValueType = 0x02
	ValueTypeBoolean   JSValueType = 0x03
	ValueTypeMagic     JSValueType = 0x04
	ValueTypeString    JSValueType = 0x05
	ValueTypeNull      JSValueType = 0x06
	ValueTypeObject    JSValueType = 0x07
)

// Tag is the full 32-bit type word.
type Tag uint32

const (
	TagClear     Tag = 0xFFFFFF80
	TagInt32     Tag = TagClear | Tag(ValueTypeInt32)
	TagUndefined Tag = TagClear | Tag(ValueTypeUndefined)
	TagBoolean   Tag = TagClear | Tag(ValueTypeBoolean)
	TagMagic     Tag = TagClear | Tag(ValueTypeMagic)
	TagString    Tag = TagClear | Tag(ValueTypeString)
	TagNull      Tag = TagClear | Tag(ValueTypeNull)
	TagObject    Tag = TagClear | Tag(ValueTypeObject)
)

// Imm is the tag as a sign-extended 32-bit immediate.
func (t Tag) Imm() int32 {
	return int32(t)
}

// Byte offsets inside a boxed value.
const (
	PayloadOffset = 0
	TypeOffset    = 4
	SizeOfValue   = 8
)

// Magic payloads
const (
	MagicElementsHole uint32 = 0
	MagicOptimizedOut uint32 = 1
)

const canonicalNaN uint64 = 0x7FF8000000000000

func tagForType(t JSValueType) Tag {
	return TagClear | Tag(t)
}

// Value is a boxed dynamic value in nunbox32 layout, read as a little endian
// 64-bit word: low half payload, high half tag.
type Value uint64

func makeValue(tag Tag, payload uint32) Value {
	return Value(uint64(tag)<<32 | uint64(payload))
}

func BoxInt32(i int32) Value     { return makeValue(TagInt32, uint32(i)) }
func BoxUndefined() Value        { return makeValue(TagUndefined, 0) }
func BoxNull() Value             { return makeValue(TagNull, 0) }
func BoxObject(ptr uint32) Value { return makeValue(TagObject, ptr) }
func BoxString(ptr uint32) Value { return makeValue(TagString, ptr) }
func BoxMagic(why uint32) Value  { return makeValue(TagMagic, why) }

func BoxBool(b bool) Value {
	if b {
		return makeValue(TagBoolean, 1)
	}
	return makeValue(TagBoolean, 0)
}

// BoxDouble stores the raw IEEE bits, canonicalizing the NaNs that would
// alias the tag space.
func BoxDouble(f float64) Value {
	bits := math.Float64bits(f)
	if Tag(bits>>32) >= TagClear {
		bits = canonicalNaN
	}
	return Value(bits)
}

// Box builds a value from a type and a raw payload word. Doubles need
// BoxDouble.
func Box(t JSValueType, payload uint32) Value {
	if t == ValueTypeDouble {
		panic("ion: Box called for double, use BoxDouble")
	}
	return makeValue(tagForType(t), payload)
}

// Payload is the low word.
func (v Value) Payload() uint32 { return uint32(v) }

// TagWord is the high word; for doubles this is the upper half of the bits.
func (v Value) TagWord() uint32 { return uint32(v >> 32) }

func (v Value) IsDouble() bool { return Tag(v.TagWord()) < TagClear }

// Type returns the dynamic type.
func (v Value) Type() JSValueType {
	if v.IsDouble() {
		return ValueTypeDouble
	}
	return JSValueType(v.TagWord() & 0x7F)
}

// Tag returns the tag a type comparison would see; doubles report TagClear.
func (v Value) Tag() Tag {
	if v.IsDouble() {
		return TagClear
	}
	return Tag(v.TagWord())
}

func (v Value) Double() float64 { return math.Float64frombits(uint64(v)) }

// Unbox returns the raw payload if the value has the expected type. A false
// result is exactly the case in which emitted code bails out.
func (v Value) Unbox(t JSValueType) (uint32, bool) {
	if t == ValueTypeDouble || v.Type() != t {
		return 0, false
	}
	return v.Payload(), true
}

// UnboxDouble accepts doubles and int32s like the emitted UnboxDouble.
func (v Value) UnboxDouble() (float64, bool) {
	switch v.Type() {
	case ValueTypeDouble:
		return v.Double(), true
	case ValueTypeInt32:
		return float64(int32(v.Payload())), true
	}
	return 0, false
}

// StrictEquals compares tags first; values of different types are never
// strictly equal.
func StrictEquals(a, b Value) bool {
	if a.IsDouble() || b.IsDouble() {
		if !a.IsDouble() || !b.IsDouble() {
			return false
		}
		return a.Double() == b.Double()
	}
	if a.TagWord() != b.TagWord() {
		return false
	}
	return a.Payload() == b.Payload()
}

func (v Value) String() string {
	switch v.Type() {
	case ValueTypeDouble:
		return fmt.Sprintf("double(%v)", v.Double())
	case ValueTypeInt32:
		return fmt.Sprintf("int32(%d)", int32(v.Payload()))
	case ValueTypeUndefined:
		return "undefined"
	case ValueTypeBoolean:
		return fmt.Sprintf("bool(%v)", v.Payload() != 0)
	case ValueTypeMagic:
		return fmt.Sprintf("magic(%d)", v.Payload())
	case ValueTypeString:
		return fmt.Sprintf("string(0x%x)", v.Payload())
	case ValueTypeNull:
		return "null"
	case ValueTypeObject:
		return fmt.Sprintf("object(0x%x)", v.Payload())
	}
	return fmt.Sprintf("value(0x%016x)", uint64(v))
}

// MIRType is the static type attached by the front-end.
type MIRType uint8

const (
	MIRTypeUndefined MIRType = iota
	MIRTypeNull
	MIRTypeBoolean
	MIRTypeInt32
	MIRTypeDouble
	MIRTypeString
	MIRTypeObject
	MIRTypeMagic
	MIRTypeValue // statically unknown, boxed
	MIRTypeSlots
	MIRTypeElements
	MIRTypePointer
	MIRTypeNone
)

var mirTypeNames = [...]string{"undefined", "null", "boolean", "int32", "double", "string", "object", "magic", "value", "slots", "elements", "pointer", "none"}

func (t MIRType) String() string {
	if int(t) < len(mirTypeNames) {
		return mirTypeNames[t]
	}
	return fmt.Sprintf("mirtype(%d)", uint8(t))
}

// ParseMIRType is the inverse of String.
func ParseMIRType(s string) (MIRType, bool) {
	for i, n := range mirTypeNames {
		if n == s {
			return MIRType(i), true
		}
	}
	return MIRTypeNone, false
}

// ValueTypeFromMIRType maps a concrete static type to its dynamic type.
func ValueTypeFromMIRType(t MIRType) JSValueType {
	switch t {
	case MIRTypeUndefined:
		return ValueTypeUndefined
	case MIRTypeNull:
		return ValueTypeNull
	case MIRTypeBoolean:
		return ValueTypeBoolean
	case MIRTypeInt32:
		return ValueTypeInt32
	case MIRTypeDouble:
		return ValueTypeDouble
	case MIRTypeString:
		return ValueTypeString
	case MIRTypeObject:
		return ValueTypeObject
	case MIRTypeMagic:
		return ValueTypeMagic
	}
	panic(assertf("no value type for %s", t))
}

// MIRTypeToTag is the tag a boxed value of static type t carries.
func MIRTypeToTag(t MIRType) Tag {
	if t == MIRTypeDouble {
		panic(assertf("doubles have no tag"))
	}
	return tagForType(ValueTypeFromMIRType(t))
}

// IsBoxable reports whether a static type has a boxed representation.
func (t MIRType) IsBoxable() bool {
	return t <= MIRTypeMagic
}
