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
	"math"
	"testing"
)

func TestBoxUnbox(t *testing.T) {
	cases := []struct {
		v       Value
		typ     JSValueType
		payload uint32
	}{
		{BoxInt32(-1), ValueTypeInt32, 0xFFFFFFFF},
		{BoxBool(true), ValueTypeBoolean, 1},
		{BoxUndefined(), ValueTypeUndefined, 0},
		{BoxNull(), ValueTypeNull, 0},
		{BoxObject(0xCAFE0), ValueTypeObject, 0xCAFE0},
		{BoxString(0x1234), ValueTypeString, 0x1234},
		{BoxMagic(MagicElementsHole), ValueTypeMagic, MagicElementsHole},
	}
	for _, c := range cases {
		if c.v.Type() != c.typ {
			t.Errorf("%v: type %x, want %x", c.v, c.v.Type(), c.typ)
		}
		if c.v.TagWord() != uint32(tagForType(c.typ)) {
			t.Errorf("%v: tag word %08x", c.v, c.v.TagWord())
		}
		p, ok := c.v.Unbox(c.typ)
		if !ok || p != c.payload {
			t.Errorf("%v: unbox = %x, %v", c.v, p, ok)
		}
		if _, ok := c.v.Unbox(ValueTypeInt32); ok != (c.typ == ValueTypeInt32) {
			t.Errorf("%v: int32 unbox ok=%v", c.v, ok)
		}
		if Box(c.typ, c.payload) != c.v {
			t.Errorf("Box(%x, %x) != %v", c.typ, c.payload, c.v)
		}
	}
}

func TestDoubleEncoding(t *testing.T) {
	for _, f := range []float64{0, -0.5, 1e300, math.Inf(-1), math.MaxFloat64} {
		v := BoxDouble(f)
		if !v.IsDouble() || v.Double() != f {
			t.Errorf("BoxDouble(%v) = %v", f, v)
		}
		if v.Tag() != TagClear {
			t.Errorf("%v reports tag %x", v, v.Tag())
		}
	}
	// a NaN whose upper word falls into the tag range must not read back
	// as a tagged value
	evil := math.Float64frombits(uint64(TagObject)<<32 | 0x1000)
	v := BoxDouble(evil)
	if uint64(v) != canonicalNaN || !v.IsDouble() || !math.IsNaN(v.Double()) {
		t.Errorf("tag-aliasing NaN boxed to %016x", uint64(v))
	}
	if d, ok := BoxInt32(-3).UnboxDouble(); !ok || d != -3 {
		t.Errorf("UnboxDouble(int32) = %v, %v", d, ok)
	}
	if _, ok := BoxNull().UnboxDouble(); ok {
		t.Error("UnboxDouble accepted null")
	}
}

func TestStrictEquals(t *testing.T) {
	cases := []struct {
		a, b Value
		want bool
	}{
		{BoxInt32(1), BoxInt32(1), true},
		{BoxInt32(1), BoxBool(true), false},
		{BoxInt32(0), BoxDouble(0), false},
		{BoxDouble(0), BoxDouble(math.Copysign(0, -1)), true},
		{BoxDouble(math.NaN()), BoxDouble(math.NaN()), false},
		{BoxNull(), BoxUndefined(), false},
		{BoxObject(8), BoxObject(8), true},
	}
	for _, c := range cases {
		if got := StrictEquals(c.a, c.b); got != c.want {
			t.Errorf("StrictEquals(%v, %v) = %v", c.a, c.b, got)
		}
	}
}

func TestParseValue(t *testing.T) {
	cases := map[string]Value{
		"int32:-5":      BoxInt32(-5),
		"bool:true":     BoxBool(true),
		"double:1.5":    BoxDouble(1.5),
		"undefined":     BoxUndefined(),
		"null":          BoxNull(),
		"object:0x1000": BoxObject(0x1000),
		"magic:1":       BoxMagic(MagicOptimizedOut),
	}
	for s, want := range cases {
		got, err := ParseValue(s)
		if err != nil || got != want {
			t.Errorf("ParseValue(%q) = %v, %v", s, got, err)
		}
	}
	for _, s := range []string{"", "int32", "int32:x", "float:1", "bool:maybe"} {
		if _, err := ParseValue(s); err == nil {
			t.Errorf("ParseValue(%q) succeeded", s)
		}
	}
}

func TestFrameSizeClasses(t *testing.T) {
	cases := []struct {
		depth uint32
		valid bool
		size  uint32
	}{
		{0, true, 128},
		{127, true, 128},
		{128, true, 256},
		{511, true, 512},
		{1023, true, 1024},
		{1024, false, 0},
		{1 << 20, false, 0},
	}
	for _, c := range cases {
		class := FrameSizeClassFromDepth(c.depth)
		if class.Valid() != c.valid {
			t.Errorf("depth %d: valid=%v", c.depth, class.Valid())
			continue
		}
		if c.valid && class.FrameSize() != c.size {
			t.Errorf("depth %d: size %d, want %d", c.depth, class.FrameSize(), c.size)
		}
	}
	if NumFrameSizeClasses() != 4 || FrameSizeClassLimit().ClassID() != 4 {
		t.Errorf("class table has %d entries", NumFrameSizeClasses())
	}
	if NoFrameSizeClass().String() != "none" {
		t.Errorf("sentinel prints as %s", NoFrameSizeClass())
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, a, want uint32 }{{0, 16, 0}, {1, 16, 16}, {16, 16, 16}, {4097, 4096, 8192}}
	for _, c := range cases {
		if got := alignUp(c.v, c.a); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d", c.v, c.a, got)
		}
	}
	if got := alignUp(5, 4); got != 8 {
		t.Errorf("int alignUp = %d", got)
	}
}
