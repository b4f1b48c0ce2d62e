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
	"testing"

	"github.com/launix-de/ionjit/ion/x86"
)

func reg(r x86.Register) Allocation { return GPR(r) }
func con(v Value) Allocation        { return ConstantAlloc(v) }

// returnBool returns the boolean held in out.
func returnBool(out x86.Register) *Instruction {
	return &Instruction{Op: OpReturnValue, Operands: []Allocation{con(BoxBool(false)), reg(out)}}
}

func returnInt(i int32) *Instruction {
	return &Instruction{Op: OpReturnValue, Operands: []Allocation{con(BoxInt32(i)), con(BoxInt32(i))}}
}

func newGraph(name string, blocks ...[]*Instruction) *Graph {
	g := &Graph{Name: name}
	for _, insns := range blocks {
		g.Blocks = append(g.Blocks, &Block{Instructions: insns})
	}
	g.Schedule()
	return g
}

func seedValue(typeReg, payloadReg x86.Register, v Value) map[x86.Register]uint32 {
	return map[x86.Register]uint32{typeReg: v.TagWord(), payloadReg: v.Payload()}
}

func TestCompareB(t *testing.T) {
	cases := []struct {
		op   JSOp
		lhs  Value
		rhs  bool
		want bool
	}{
		{JSOpStrictEq, BoxBool(true), true, true},
		{JSOpStrictEq, BoxBool(false), true, false},
		{JSOpStrictEq, BoxInt32(1), true, false},
		{JSOpStrictNe, BoxInt32(1), true, true},
		{JSOpStrictNe, BoxBool(false), false, false},
		{JSOpStrictNe, BoxBool(true), false, true},
		{JSOpStrictEq, BoxUndefined(), false, false},
	}
	for _, c := range cases {
		// esi has no byte form and exercises the other setcc sequence
		for _, out := range []x86.Register{x86.EAX, x86.ESI} {
			cmp := &Instruction{
				Op:       OpCompareB,
				Operands: []Allocation{reg(x86.ECX), reg(x86.EDX), con(BoxBool(c.rhs))},
				Defs:     []Allocation{reg(out)},
				Mir:      &MirInfo{JSOp: c.op},
			}
			g := newGraph("compareb", []*Instruction{cmp, returnBool(out)})
			got := execute(t, g, seedValue(x86.ECX, x86.EDX, c.lhs))
			if want := BoxBool(c.want); got != want {
				t.Errorf("%v %s %v into %s: got %v, want %v", c.lhs, c.op, c.rhs, out, got, want)
			}
		}
	}
}

func TestCompareBAndBranch(t *testing.T) {
	cases := []struct {
		op   JSOp
		lhs  Value
		rhs  bool
		want bool
	}{
		{JSOpStrictEq, BoxBool(true), true, true},
		{JSOpStrictEq, BoxBool(true), false, false},
		{JSOpStrictEq, BoxNull(), false, false},
		{JSOpStrictNe, BoxNull(), false, true},
		{JSOpStrictNe, BoxBool(false), false, false},
	}
	for _, c := range cases {
		g := &Graph{Name: "comparebandbranch"}
		ifTrue := &Block{Instructions: []*Instruction{returnInt(1)}}
		ifFalse := &Block{Instructions: []*Instruction{returnInt(0)}}
		entry := &Block{Instructions: []*Instruction{{
			Op:         OpCompareBAndBranch,
			Operands:   []Allocation{reg(x86.EBX), reg(x86.EDI), con(BoxBool(c.rhs))},
			Mir:        &MirInfo{JSOp: c.op},
			Successors: []*Block{ifTrue, ifFalse},
		}}}
		// both orders exercise the fall-through elision
		for _, order := range [][]*Block{{entry, ifTrue, ifFalse}, {entry, ifFalse, ifTrue}} {
			g.Blocks = order
			g.Schedule()
			got := execute(t, g, seedValue(x86.EBX, x86.EDI, c.lhs))
			want := int32(0)
			if c.want {
				want = 1
			}
			if got != BoxInt32(want) {
				t.Errorf("%v %s %v: got %v, want %d", c.lhs, c.op, c.rhs, got, want)
			}
		}
	}
}

func TestCompareV(t *testing.T) {
	cases := []struct {
		op       JSOp
		lhs, rhs Value
		want     bool
	}{
		{JSOpStrictEq, BoxInt32(5), BoxInt32(5), true},
		{JSOpStrictEq, BoxInt32(5), BoxInt32(6), false},
		{JSOpStrictEq, BoxInt32(1), BoxBool(true), false},
		{JSOpStrictNe, BoxInt32(1), BoxBool(true), true},
		{JSOpEq, BoxObject(0x1000), BoxObject(0x1000), true},
		{JSOpNe, BoxObject(0x1000), BoxObject(0x2000), true},
		{JSOpNe, BoxNull(), BoxNull(), false},
	}
	for _, c := range cases {
		cmp := &Instruction{
			Op:       OpCompareV,
			Operands: []Allocation{reg(x86.ECX), reg(x86.EDX), reg(x86.EBX), reg(x86.ESI)},
			Defs:     []Allocation{reg(x86.EAX)},
			Mir:      &MirInfo{JSOp: c.op},
		}
		seed := seedValue(x86.ECX, x86.EDX, c.lhs)
		seed[x86.EBX], seed[x86.ESI] = c.rhs.TagWord(), c.rhs.Payload()
		got := execute(t, newGraph("comparev", []*Instruction{cmp, returnBool(x86.EAX)}), seed)
		if got != BoxBool(c.want) {
			t.Errorf("%v %s %v: got %v", c.lhs, c.op, c.rhs, got)
		}

		// the same comparison against a constant right hand side
		cmp = &Instruction{
			Op:       OpCompareV,
			Operands: []Allocation{reg(x86.ECX), reg(x86.EDX), con(c.rhs), con(c.rhs)},
			Defs:     []Allocation{reg(x86.EAX)},
			Mir:      &MirInfo{JSOp: c.op},
		}
		got = execute(t, newGraph("comparev-const", []*Instruction{cmp, returnBool(x86.EAX)}), seedValue(x86.ECX, x86.EDX, c.lhs))
		if got != BoxBool(c.want) {
			t.Errorf("%v %s const %v: got %v", c.lhs, c.op, c.rhs, got)
		}
	}
}

func TestCompareVAndBranch(t *testing.T) {
	cases := []struct {
		op       JSOp
		lhs, rhs Value
		want     bool
	}{
		{JSOpStrictEq, BoxInt32(7), BoxInt32(7), true},
		{JSOpStrictEq, BoxInt32(7), BoxString(7), false},
		{JSOpStrictNe, BoxInt32(7), BoxString(7), true},
		{JSOpStrictNe, BoxUndefined(), BoxUndefined(), false},
	}
	for _, c := range cases {
		ifTrue := &Block{Instructions: []*Instruction{returnInt(1)}}
		ifFalse := &Block{Instructions: []*Instruction{returnInt(0)}}
		entry := &Block{Instructions: []*Instruction{{
			Op:         OpCompareVAndBranch,
			Operands:   []Allocation{reg(x86.ECX), reg(x86.EDX), reg(x86.EBX), reg(x86.EDI)},
			Mir:        &MirInfo{JSOp: c.op},
			Successors: []*Block{ifTrue, ifFalse},
		}}}
		for _, order := range [][]*Block{{entry, ifTrue, ifFalse}, {entry, ifFalse, ifTrue}} {
			g := &Graph{Name: "comparevandbranch", Blocks: order}
			g.Schedule()
			seed := seedValue(x86.ECX, x86.EDX, c.lhs)
			seed[x86.EBX], seed[x86.EDI] = c.rhs.TagWord(), c.rhs.Payload()
			want := int32(0)
			if c.want {
				want = 1
			}
			if got := execute(t, g, seed); got != BoxInt32(want) {
				t.Errorf("%v %s %v: got %v, want %d", c.lhs, c.op, c.rhs, got, want)
			}
		}
	}
}

func TestBoxedRelationalCompareRejected(t *testing.T) {
	for _, op := range []Opcode{OpCompareV, OpCompareB} {
		ops := []Allocation{reg(x86.ECX), reg(x86.EDX), reg(x86.EBX), reg(x86.ESI)}
		if op == OpCompareB {
			ops = ops[:2]
			ops = append(ops, con(BoxBool(true)))
		}
		cmp := &Instruction{Op: op, Operands: ops, Defs: []Allocation{reg(x86.EAX)}, Mir: &MirInfo{JSOp: JSOpLt}}
		_, err := Generate(newGraph("relational", []*Instruction{cmp, returnBool(x86.EAX)}), Options{})
		if !errors.Is(err, ErrMalformedGraph) {
			t.Errorf("%s with lt: got %v", op, err)
		}
	}
}
