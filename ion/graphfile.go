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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/launix-de/ionjit/ion/x86"
	"gopkg.in/yaml.v3"
)

/*
Graph files
-----------

A graph file holds one or more YAML documents, one function each:

	name: addone
	frame: 16
	info: {usecount: 0x1000, interrupt: 0x2000}
	blocks:
	  - - {op: unbox, ops: [ecx, edx], defs: [eax], mir: {type: int32, fallible: true},
	       snapshot: {pc: 4, entries: [{vreg: 1, kind: untyped, typeloc: ecx, payload: edx}], live: [1]}}
	    - {op: returnvalue, ops: ["int32:1", eax]}

Locations are register names (eax, xmm1), stack:N, arg:N, ? for an
unassigned operand or a constant value (int32:5, bool:true, double:1.5,
undefined, null, object:0x1000, string:0x2000, magic:0).
*/

type graphFile struct {
	Name   string       `yaml:"name"`
	Frame  uint32       `yaml:"frame"`
	VRegs  uint32       `yaml:"vregs,omitempty"`
	Info   infoFile     `yaml:"info,omitempty"`
	Blocks [][]insnFile `yaml:"blocks"`
}

type infoFile struct {
	UseCount  uint32 `yaml:"usecount,omitempty"`
	Global    uint32 `yaml:"global,omitempty"`
	Interrupt uint32 `yaml:"interrupt,omitempty"`
	Barrier   uint32 `yaml:"barrier,omitempty"`
	EnvOffset int32  `yaml:"envoffset,omitempty"`
	Handler   uint32 `yaml:"handler,omitempty"`
}

type insnFile struct {
	Op       string        `yaml:"op"`
	Ops      []string      `yaml:"ops,omitempty"`
	Defs     []string      `yaml:"defs,omitempty"`
	Temps    []string      `yaml:"temps,omitempty"`
	Mir      *mirFile      `yaml:"mir,omitempty"`
	Snapshot *snapshotFile `yaml:"snapshot,omitempty"`
	Succ     []int         `yaml:"succ,omitempty"`
	Live     []string      `yaml:"live,omitempty"`
}

type mirFile struct {
	Type        string `yaml:"type,omitempty"`
	ValueType   string `yaml:"valuetype,omitempty"`
	SlotType    string `yaml:"slottype,omitempty"`
	Slot        int32  `yaml:"slot,omitempty"`
	FrameOffset int32  `yaml:"frameoffset,omitempty"`
	Constant    string `yaml:"constant,omitempty"`
	Fallible    bool   `yaml:"fallible,omitempty"`
	Barrier     bool   `yaml:"barrier,omitempty"`
	HoleCheck   bool   `yaml:"holecheck,omitempty"`
	LoadDoubles bool   `yaml:"loaddoubles,omitempty"`
	MinUses     uint32 `yaml:"minuses,omitempty"`
	JSOp        string `yaml:"jsop,omitempty"`
	View        string `yaml:"view,omitempty"`
	Global      uint32 `yaml:"global,omitempty"`
	VMFunction  string `yaml:"vmfunction,omitempty"`
	Callee      string `yaml:"callee,omitempty"`
	CalleeIndex uint32 `yaml:"calleeindex,omitempty"`
}

type snapshotFile struct {
	PC      uint32      `yaml:"pc"`
	Entries []entryFile `yaml:"entries,omitempty"`
	Live    []uint32    `yaml:"live,omitempty"`
}

type entryFile struct {
	VReg    uint32 `yaml:"vreg"`
	Kind    string `yaml:"kind"`
	Type    string `yaml:"type,omitempty"`
	TypeLoc string `yaml:"typeloc,omitempty"`
	Payload string `yaml:"payload,omitempty"`
	Const   string `yaml:"const,omitempty"`
}

// LoadGraphFile reads all functions of a graph file.
func LoadGraphFile(path string) ([]*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	graphs, err := ParseGraphs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return graphs, nil
}

// ParseGraphs decodes every YAML document of data into a scheduled graph.
func ParseGraphs(data []byte) ([]*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var graphs []*Graph
	for {
		var f graphFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		g, err := f.build()
		if err != nil {
			if f.Name != "" {
				return nil, fmt.Errorf("function %s: %w", f.Name, err)
			}
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

func (f *graphFile) build() (*Graph, error) {
	g := &Graph{
		Name:       f.Name,
		FrameDepth: f.Frame,
		NumVRegs:   f.VRegs,
		Info: CompileInfo{
			UseCountAddr:         f.Info.UseCount,
			GlobalObject:         f.Info.Global,
			InterruptFlagAddr:    f.Info.Interrupt,
			BarrierFlagAddr:      f.Info.Barrier,
			EnvironmentOffset:    f.Info.EnvOffset,
			ExceptionHandlerAddr: f.Info.Handler,
		},
	}
	if g.Name == "" {
		g.Name = "anonymous"
	}
	g.Blocks = make([]*Block, len(f.Blocks))
	for i := range g.Blocks {
		g.Blocks[i] = &Block{ID: i}
	}
	for bi, insns := range f.Blocks {
		for ii, in := range insns {
			ins, err := in.build(g.Blocks)
			if err != nil {
				return nil, fmt.Errorf("block %d insn %d: %w", bi, ii, err)
			}
			g.Blocks[bi].Instructions = append(g.Blocks[bi].Instructions, ins)
		}
	}
	g.Schedule()
	return g, nil
}

func (in *insnFile) build(blocks []*Block) (*Instruction, error) {
	op, ok := ParseOpcode(in.Op)
	if !ok {
		return nil, fmt.Errorf("unknown op %q", in.Op)
	}
	ins := &Instruction{Op: op}
	var err error
	if ins.Operands, err = parseAllocations(in.Ops); err != nil {
		return nil, err
	}
	if ins.Defs, err = parseAllocations(in.Defs); err != nil {
		return nil, err
	}
	if ins.Temps, err = parseAllocations(in.Temps); err != nil {
		return nil, err
	}
	if in.Mir != nil {
		if ins.Mir, err = in.Mir.build(); err != nil {
			return nil, err
		}
	}
	if in.Snapshot != nil {
		if ins.Snapshot, err = in.Snapshot.build(); err != nil {
			return nil, err
		}
	}
	for _, s := range in.Succ {
		if s < 0 || s >= len(blocks) {
			return nil, fmt.Errorf("successor %d out of range", s)
		}
		ins.Successors = append(ins.Successors, blocks[s])
	}
	for _, name := range in.Live {
		r, ok := x86.ParseRegister(name)
		if !ok {
			return nil, fmt.Errorf("live register %q", name)
		}
		ins.LiveRegs = ins.LiveRegs.Add(r)
	}
	return ins, nil
}

func (mf *mirFile) build() (*MirInfo, error) {
	m := &MirInfo{
		Slot:             mf.Slot,
		FrameOffset:      mf.FrameOffset,
		Fallible:         mf.Fallible,
		NeedsBarrier:     mf.Barrier,
		NeedsHoleCheck:   mf.HoleCheck,
		LoadDoubles:      mf.LoadDoubles,
		MinUses:          mf.MinUses,
		GlobalDataOffset: mf.Global,
		VMFunction:       mf.VMFunction,
		CalleeIndex:      mf.CalleeIndex,
	}
	var err error
	if m.Type, err = parseMIRTypeField(mf.Type); err != nil {
		return nil, err
	}
	if m.ValueType, err = parseMIRTypeField(mf.ValueType); err != nil {
		return nil, err
	}
	if m.SlotType, err = parseMIRTypeField(mf.SlotType); err != nil {
		return nil, err
	}
	if mf.Constant != "" {
		if m.Constant, err = ParseValue(mf.Constant); err != nil {
			return nil, err
		}
	}
	if mf.JSOp != "" {
		op, ok := ParseJSOp(mf.JSOp)
		if !ok {
			return nil, fmt.Errorf("unknown jsop %q", mf.JSOp)
		}
		m.JSOp = op
	}
	if mf.View != "" {
		v, ok := ParseViewType(mf.View)
		if !ok {
			return nil, fmt.Errorf("unknown view %q", mf.View)
		}
		m.ViewType = v
	}
	switch mf.Callee {
	case "", "internal":
		m.CalleeKind = CalleeInternal
	case "dynamic":
		m.CalleeKind = CalleeDynamic
	case "builtin":
		m.CalleeKind = CalleeBuiltin
	default:
		return nil, fmt.Errorf("unknown callee kind %q", mf.Callee)
	}
	return m, nil
}

func parseMIRTypeField(s string) (MIRType, error) {
	if s == "" {
		return MIRTypeNone, nil
	}
	t, ok := ParseMIRType(s)
	if !ok {
		return MIRTypeNone, fmt.Errorf("unknown type %q", s)
	}
	return t, nil
}

func (sf *snapshotFile) build() (*Snapshot, error) {
	s := &Snapshot{ResumePC: sf.PC, Live: sf.Live}
	for i, ef := range sf.Entries {
		kind, ok := ParseSlotKind(ef.Kind)
		if !ok {
			return nil, fmt.Errorf("snapshot entry %d: kind %q", i, ef.Kind)
		}
		e := SnapshotEntry{VReg: ef.VReg, Kind: kind}
		var err error
		if e.Type, err = parseMIRTypeField(ef.Type); err != nil {
			return nil, err
		}
		if ef.TypeLoc != "" {
			if e.TypeLoc, err = ParseAllocation(ef.TypeLoc); err != nil {
				return nil, err
			}
		}
		if ef.Payload != "" {
			if e.Payload, err = ParseAllocation(ef.Payload); err != nil {
				return nil, err
			}
		}
		if ef.Const != "" {
			if e.Const, err = ParseValue(ef.Const); err != nil {
				return nil, err
			}
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

func parseAllocations(ss []string) ([]Allocation, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]Allocation, len(ss))
	for i, s := range ss {
		a, err := ParseAllocation(s)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// ParseAllocation reads a location in graph file syntax.
func ParseAllocation(s string) (Allocation, error) {
	s = strings.TrimSpace(s)
	if s == "?" {
		return UnassignedAlloc(), nil
	}
	if r, ok := x86.ParseRegister(s); ok {
		return GPR(r), nil
	}
	if f, ok := x86.ParseFloatRegister(s); ok {
		return FPU(f), nil
	}
	if kind, arg, ok := strings.Cut(s, ":"); ok && (kind == "stack" || kind == "arg") {
		off, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			return Allocation{}, fmt.Errorf("location %q: %w", s, err)
		}
		if kind == "stack" {
			return StackSlot(int32(off)), nil
		}
		return ArgumentSlot(int32(off)), nil
	}
	v, err := ParseValue(s)
	if err != nil {
		return Allocation{}, fmt.Errorf("location %q: not a register, slot or constant", s)
	}
	return ConstantAlloc(v), nil
}

// ParseValue reads a constant such as int32:5, double:1.5 or object:0x1000.
func ParseValue(s string) (Value, error) {
	switch s {
	case "undefined":
		return BoxUndefined(), nil
	case "null":
		return BoxNull(), nil
	}
	kind, arg, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("constant %q", s)
	}
	switch kind {
	case "int32":
		i, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("constant %q: %w", s, err)
		}
		return BoxInt32(int32(i)), nil
	case "bool":
		b, err := strconv.ParseBool(arg)
		if err != nil {
			return 0, fmt.Errorf("constant %q: %w", s, err)
		}
		return BoxBool(b), nil
	case "double":
		d, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return 0, fmt.Errorf("constant %q: %w", s, err)
		}
		return BoxDouble(d), nil
	case "object", "string", "magic":
		p, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("constant %q: %w", s, err)
		}
		switch kind {
		case "object":
			return BoxObject(uint32(p)), nil
		case "string":
			return BoxString(uint32(p)), nil
		}
		return BoxMagic(uint32(p)), nil
	}
	return 0, fmt.Errorf("constant %q", s)
}
