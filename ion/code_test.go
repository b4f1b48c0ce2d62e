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
	"runtime"
	"testing"

	"github.com/launix-de/ionjit/ion/x86"
)

func TestPublish(t *testing.T) {
	first := mustGenerate(t, newGraph("published-fn", []*Instruction{returnUndefined()}))
	second := mustGenerate(t, newGraph("published-fn", []*Instruction{returnUndefined()}))
	if first.ID == second.ID {
		t.Fatal("two compilations share an id")
	}
	before := StatsSnapshot().Published
	if old := Publish(first); old != nil {
		t.Fatalf("replaced %s", old.ID)
	}
	if old := Publish(second); old != first {
		t.Errorf("second publish replaced %v", old)
	}
	if Published("published-fn") != second {
		t.Error("lookup does not see the latest code")
	}
	entries := 0
	for _, c := range PublishedAll() {
		if c.Name == "published-fn" {
			entries++
			if c != second {
				t.Error("PublishedAll lists stale code")
			}
		}
	}
	if entries != 1 {
		t.Errorf("PublishedAll lists the function %d times", entries)
	}
	if Unpublish("published-fn") != second || Published("published-fn") != nil {
		t.Error("unpublish left the function visible")
	}
	for _, c := range PublishedAll() {
		if c.Name == "published-fn" {
			t.Error("unpublished function still listed")
		}
	}
	if got := StatsSnapshot().Published - before; got != 2 {
		t.Errorf("published counter moved by %d", got)
	}
}

func TestRegisterVMFunction(t *testing.T) {
	before := len(VMFunctions())
	first := RegisterVMFunction(VMFunction{Name: "TestHelper", Out: OutWord})
	again := RegisterVMFunction(VMFunction{Name: "TestHelper", Out: OutValue})
	if again != first || again.Out != OutWord {
		t.Errorf("re-registration replaced %+v with %+v", first, again)
	}
	if n := len(VMFunctions()) - before; n != 1 {
		t.Errorf("table grew by %d", n)
	}
	if LookupVMFunctionByID(first.ID) != first || LookupVMFunction("TestHelper") != first {
		t.Error("lookup misses the helper")
	}
}

func TestInstall(t *testing.T) {
	// only these hosts hand out mappings the 32-bit code can be linked at
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64", "linux/386", "freebsd/386":
	default:
		t.Skip("no low executable memory on", runtime.GOOS, runtime.GOARCH)
	}
	code := mustGenerate(t, newGraph("installed", []*Instruction{returnUndefined()}))
	calls := 0
	link := func(addr uint32) ([]byte, error) {
		calls++
		return Link(code, LinkBases{CodeAddress: addr})
	}
	addr, err := code.Install(link)
	if err != nil {
		t.Fatal(err)
	}
	again, err := code.Install(link)
	if err != nil || again != addr || calls != 1 {
		t.Errorf("second install: %x (first %x), %v, %d link calls", again, addr, err, calls)
	}
	if err := code.Release(); err != nil {
		t.Fatal(err)
	}
	if err := code.Release(); err != nil {
		t.Errorf("double release: %v", err)
	}
}

func TestRevive(t *testing.T) {
	snap := &Snapshot{
		ResumePC: 5,
		Entries:  []SnapshotEntry{{VReg: 2, Kind: SlotTyped, Type: MIRTypeInt32, Payload: reg(x86.EBX)}},
		Live:     []uint32{2},
	}
	code := mustGenerate(t, newGraph("revived", []*Instruction{unboxInt32(snap), returnUndefined()}))
	off := code.Bailouts[0].SnapshotOffset
	dump := &RegisterDump{Frame: make([]byte, code.FrameSize+8)}
	if _, err := RestoreFrame(code, off, dump); err != nil {
		t.Fatal(err)
	}
	revived, err := Revive(code)
	if err != nil {
		t.Fatal(err)
	}
	if revived.BailoutCount(off) != 0 || code.BailoutCount(off) != 1 {
		t.Errorf("counts %d/%d after revival", revived.BailoutCount(off), code.BailoutCount(off))
	}

	foreign := *code
	foreign.Arch = "arm64"
	if _, err := Revive(&foreign); !errors.Is(err, ErrMalformedGraph) {
		t.Errorf("foreign code: %v", err)
	}

	// pc, entry count, kind, vreg, then the type byte
	corrupt := *code
	corrupt.Snapshots = append([]byte(nil), code.Snapshots...)
	corrupt.Snapshots[off+4] = byte(MIRTypeElements)
	if _, err := Revive(&corrupt); !errors.Is(err, ErrMalformedGraph) {
		t.Errorf("corrupt snapshot revived: %v", err)
	}
	if _, err := RestoreFrame(&corrupt, off, dump); err == nil {
		t.Error("restored a frame from a corrupt snapshot")
	}
}
