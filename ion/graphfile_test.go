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
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/launix-de/ionjit/ion/x86"
	"gopkg.in/yaml.v3"
)

// scenario is the expect section that rides along a graph document.
type scenario struct {
	Name   string `yaml:"name"`
	Expect struct {
		Error    string         `yaml:"error"`
		Bailouts int            `yaml:"bailouts"`
		Relocs   map[string]int `yaml:"relocs"`
		Patches  []string       `yaml:"patches"`
		Contains []string       `yaml:"contains"`
		Runs     []struct {
			Regs    map[string]uint32 `yaml:"regs"`
			Mem     map[uint32]string `yaml:"mem"`
			Result  string            `yaml:"result"`
			Bailout bool              `yaml:"bailout"`
			Restore map[uint32]string `yaml:"restore"`
		} `yaml:"runs"`
	} `yaml:"expect"`
}

var errorNames = map[string]error{
	"malformed-graph":          ErrMalformedGraph,
	"missing-allocation":       ErrMissingAllocation,
	"missing-snapshot":         ErrMissingSnapshot,
	"unrepresentable-snapshot": ErrUnrepresentableSnapshot,
	"label-graph":              ErrLabelGraph,
	"code-too-large":           ErrCodeTooLarge,
	"unknown-vm-function":      ErrUnknownVMFunction,
}

func loadScenarios(t *testing.T, path string) ([]*Graph, []scenario) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	graphs, err := ParseGraphs(data)
	if err != nil {
		t.Fatal(err)
	}
	var scenarios []scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var s scenario
		if err := dec.Decode(&s); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		scenarios = append(scenarios, s)
	}
	if len(graphs) != len(scenarios) {
		t.Fatalf("%d graphs but %d scenarios", len(graphs), len(scenarios))
	}
	return graphs, scenarios
}

func TestScenarios(t *testing.T) {
	graphs, scenarios := loadScenarios(t, "testdata/scenarios.yaml")
	for i, s := range scenarios {
		g := graphs[i]
		t.Run(s.Name, func(t *testing.T) {
			if g.Name != s.Name {
				t.Fatalf("graph %s paired with scenario %s", g.Name, s.Name)
			}
			code, err := Generate(g, Options{})
			if s.Expect.Error != "" {
				want, ok := errorNames[s.Expect.Error]
				if !ok {
					t.Fatalf("unknown error name %s", s.Expect.Error)
				}
				if !errors.Is(err, want) {
					t.Fatalf("got %v, want %v", err, want)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			checkCode(t, code, s)
			for _, run := range s.Expect.Runs {
				seed := map[x86.Register]uint32{}
				for name, v := range run.Regs {
					r, ok := x86.ParseRegister(name)
					if !ok {
						t.Fatalf("register %s", name)
					}
					seed[r] = v
				}
				mem := map[uint32]Value{}
				for addr, text := range run.Mem {
					v, err := ParseValue(text)
					if err != nil {
						t.Fatal(err)
					}
					mem[addr] = v
				}
				c, code, left := runGraphWithMemory(t, g, seed, mem)
				if run.Bailout {
					checkBailout(t, c, code, left, run.Restore)
					continue
				}
				if left >= 0 {
					t.Errorf("seed %v: bailed out at %d", run.Regs, left)
					continue
				}
				want, err := ParseValue(run.Result)
				if err != nil {
					t.Fatal(err)
				}
				if got := c.returned(); got != want {
					t.Errorf("seed %v: returned %v, want %v", run.Regs, got, want)
				}
			}
		})
	}
}

func checkCode(t *testing.T, code *CompiledCode, s scenario) {
	t.Helper()
	if len(code.Bailouts) != s.Expect.Bailouts {
		t.Errorf("%d bailout sites, want %d", len(code.Bailouts), s.Expect.Bailouts)
	}
	if s.Expect.Relocs != nil {
		got := map[string]int{}
		for _, r := range code.Relocs {
			got[r.Kind.String()]++
		}
		for kind, n := range s.Expect.Relocs {
			if got[kind] != n {
				t.Errorf("%d %s relocations, want %d", got[kind], kind, n)
			}
		}
	}
	if s.Expect.Patches != nil {
		var kinds []string
		for _, p := range code.Patches {
			kinds = append(kinds, p.Kind.String())
		}
		if strings.Join(kinds, " ") != strings.Join(s.Expect.Patches, " ") {
			t.Errorf("patches %v, want %v", kinds, s.Expect.Patches)
		}
	}
	for _, h := range s.Expect.Contains {
		want, err := hex.DecodeString(strings.ReplaceAll(h, " ", ""))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(code.Code, want) {
			t.Errorf("code lacks %s:\n%s", h, hex.Dump(code.Code))
		}
	}
}

// checkBailout follows a guard failure through its stub and restores the
// frame from the registers the guard left behind.
func checkBailout(t *testing.T, c *cpu, code *CompiledCode, left int, restore map[uint32]string) {
	t.Helper()
	if left < 0 {
		t.Fatal("returned instead of bailing out")
	}
	var site *BailoutSite
	for i := range code.Bailouts {
		if code.Bailouts[i].OOLEntry == uint32(left) {
			site = &code.Bailouts[i]
		}
	}
	if site == nil {
		t.Fatalf("left the hot stream at %d, which is no bailout stub", left)
	}
	dump := &RegisterDump{GPRs: c.regs, Frame: make([]byte, code.FrameSize+16)}
	frame, err := RestoreFrame(code, site.SnapshotOffset, dump)
	if err != nil {
		t.Fatal(err)
	}
	got := map[uint32]Value{}
	for _, v := range frame.Values {
		got[v.VReg] = v.Value
	}
	for vreg, s := range restore {
		want, err := ParseValue(s)
		if err != nil {
			t.Fatal(err)
		}
		if got[vreg] != want {
			t.Errorf("vreg %d restored as %v, want %v", vreg, got[vreg], want)
		}
	}
}

func TestParseAllocation(t *testing.T) {
	cases := map[string]Allocation{
		"?":          UnassignedAlloc(),
		"esi":        GPR(x86.ESI),
		" xmm3 ":     FPU(x86.XMM3),
		"stack:-8":   StackSlot(-8),
		"arg:0x10":   ArgumentSlot(16),
		"int32:5":    ConstantAlloc(BoxInt32(5)),
		"undefined":  ConstantAlloc(BoxUndefined()),
		"string:0x8": ConstantAlloc(BoxString(8)),
	}
	for s, want := range cases {
		got, err := ParseAllocation(s)
		if err != nil || got != want {
			t.Errorf("ParseAllocation(%q) = %v, %v", s, got, err)
		}
	}
	for _, s := range []string{"", "xmm9", "stack:x", "r8", "heap:4"} {
		if _, err := ParseAllocation(s); err == nil {
			t.Errorf("ParseAllocation(%q) succeeded", s)
		}
	}
}

func TestParseGraphs(t *testing.T) {
	graphs, err := ParseGraphs([]byte(`
frame: 16
info: {usecount: 0x1000, interrupt: 0x2000, envoffset: 12}
blocks:
  - - {op: interruptcheck, live: [ebx, esi]}
    - {op: goto, succ: [1]}
  - - {op: returnvalue, ops: ["int32:1", eax]}
---
name: second
blocks:
  - - {op: returnvalue, ops: ["null", "null"]}
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(graphs) != 2 || graphs[0].Name != "anonymous" || graphs[1].Name != "second" {
		t.Fatalf("parsed %d graphs", len(graphs))
	}
	g := graphs[0]
	if g.FrameDepth != 16 || g.Info.UseCountAddr != 0x1000 || g.Info.InterruptFlagAddr != 0x2000 || g.Info.EnvironmentOffset != 12 {
		t.Errorf("header %+v", g)
	}
	check := g.Blocks[0].Instructions[0]
	if check.ID != 1 || !check.LiveRegs.Has(x86.EBX) || !check.LiveRegs.Has(x86.ESI) || check.LiveRegs.Has(x86.EAX) {
		t.Errorf("interrupt check %v live %v", check, check.LiveRegs.Registers())
	}
	if jump := g.Blocks[0].Instructions[1]; jump.Successors[0] != g.Blocks[1] {
		t.Error("goto does not target block 1")
	}
	if ret := g.Blocks[1].Instructions[0]; ret.ID != 3 || ret.Operands[1] != GPR(x86.EAX) {
		t.Errorf("return %v", ret)
	}
}

func TestParseGraphsErrors(t *testing.T) {
	cases := map[string]string{
		"unknown op":     `blocks: [[{op: frobnicate}]]`,
		"bad successor":  `blocks: [[{op: goto, succ: [3]}]]`,
		"bad live":       `blocks: [[{op: interruptcheck, live: [r9]}]]`,
		"bad jsop":       `blocks: [[{op: compareb, mir: {jsop: spaceship}}]]`,
		"bad view":       `blocks: [[{op: asmloadheap, mir: {view: int64}}]]`,
		"bad callee":     `blocks: [[{op: asmcall, mir: {callee: virtual}}]]`,
		"bad type":       `blocks: [[{op: unbox, mir: {type: bigint}}]]`,
		"bad constant":   `blocks: [[{op: value, mir: {constant: "int32:many"}}]]`,
		"bad slot kind":  `blocks: [[{op: unbox, snapshot: {pc: 1, entries: [{vreg: 1, kind: lazy}]}}]]`,
		"bad location":   `blocks: [[{op: box, ops: ["heap:4"]}]]`,
		"not yaml":       `blocks: [[{op: box`,
		"wrong doc type": `blocks: 7`,
	}
	for name, doc := range cases {
		if _, err := ParseGraphs([]byte(doc)); err == nil {
			t.Errorf("%s: parsed", name)
		}
	}
	_, err := ParseGraphs([]byte("name: broken\nblocks: [[{op: frobnicate}]]"))
	if err == nil || !strings.Contains(err.Error(), "function broken") {
		t.Errorf("error lacks the function name: %v", err)
	}
	if _, err := LoadGraphFile("testdata/does-not-exist.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}
