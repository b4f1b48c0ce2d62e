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
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/docker/go-units"
	"github.com/launix-de/ionjit/ion"
	"gopkg.in/yaml.v3"
)

const newprompt = "\033[32mionc>\033[0m "

const shellHelp = `commands:
  list              published functions
  show <fn>         summary of a function
  hex <fn>          hex dump of its code
  patches <fn>      patch records and relocations
  snapshots <fn>    bailout sites and the frames they restore
  stats             compiler counters
  quit
`

func (s *session) repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".ionc-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list"),
			readline.PcItem("show", readline.PcItemDynamic(publishedNames)),
			readline.PcItem("hex", readline.PcItemDynamic(publishedNames)),
			readline.PcItem("patches", readline.PcItemDynamic(publishedNames)),
			readline.PcItem("snapshots", readline.PcItemDynamic(publishedNames)),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			panic(err)
		}
		if s.command(l.Stdout(), line) {
			break
		}
	}
}

func publishedNames(string) []string {
	var names []string
	for _, c := range ion.PublishedAll() {
		names = append(names, c.Name)
	}
	return names
}

// command runs one shell line and reports whether the shell should end.
func (s *session) command(w io.Writer, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var code *ion.CompiledCode
	switch fields[0] {
	case "show", "hex", "patches", "snapshots":
		if len(fields) != 2 {
			fmt.Fprintf(w, "usage: %s <fn>\n", fields[0])
			return false
		}
		if code = ion.Published(fields[1]); code == nil {
			fmt.Fprintf(w, "no function %s\n", fields[1])
			return false
		}
	}

	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		io.WriteString(w, shellHelp)
	case "list":
		for _, c := range ion.PublishedAll() {
			fmt.Fprintf(w, "%-24s %8s  %s\n", c.Name, units.HumanSize(float64(len(c.Code))), c.ID)
		}
	case "show":
		fmt.Fprintf(w, "%s  id %s  arch %s\n", code.Name, code.ID, code.Arch)
		fmt.Fprintf(w, "code %s (hot %d, out-of-line %d)\n", units.HumanSize(float64(len(code.Code))), code.HotSize, uint32(len(code.Code))-code.HotSize)
		fmt.Fprintf(w, "frame %d bytes, class %s\n", code.FrameSize, code.FrameClass)
		fmt.Fprintf(w, "%d bailout sites, %d patch records, %d relocations, %s of snapshots\n",
			len(code.Bailouts), len(code.Patches), len(code.Relocs), units.HumanSize(float64(len(code.Snapshots))))
	case "hex":
		io.WriteString(w, hex.Dump(code.Code))
	case "patches":
		for _, p := range code.Patches {
			fmt.Fprintf(w, "%-12s [%#06x,%#06x) field %#06x logical %#x %s\n", p.Kind, p.Start, p.End, p.PatchAt, p.Logical, p.Loc)
		}
		for _, r := range code.Relocs {
			fmt.Fprintf(w, "%-12s at %#06x target %d\n", r.Kind, r.At, r.Target)
		}
	case "snapshots":
		s.snapshots(w, code)
	case "stats":
		out, _ := yaml.Marshal(ion.StatsSnapshot())
		w.Write(out)
	default:
		fmt.Fprintf(w, "unknown command %s, try help\n", fields[0])
	}
	return false
}

func (s *session) snapshots(w io.Writer, code *ion.CompiledCode) {
	sites := map[uint32][]ion.BailoutSite{}
	var offsets []uint32
	for _, b := range code.Bailouts {
		if _, ok := sites[b.SnapshotOffset]; !ok {
			offsets = append(offsets, b.SnapshotOffset)
		}
		sites[b.SnapshotOffset] = append(sites[b.SnapshotOffset], b)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		snap, err := ion.DecodeSnapshot(code.Snapshots, off)
		if err != nil {
			fmt.Fprintf(w, "snapshot %d: %v\n", off, err)
			continue
		}
		fmt.Fprintf(w, "snapshot %d: resume pc %d, %d bailouts so far\n", off, snap.ResumePC, code.BailoutCount(off))
		for _, b := range sites[off] {
			fmt.Fprintf(w, "  guard %#06x -> stub %#06x\n", b.CodeOffset, b.OOLEntry)
		}
		for _, e := range snap.Entries {
			switch e.Kind {
			case ion.SlotConstant:
				fmt.Fprintf(w, "  v%-4d %-8s %s\n", e.VReg, e.Kind, e.Const)
			case ion.SlotTyped:
				fmt.Fprintf(w, "  v%-4d %-8s %s in %s\n", e.VReg, e.Kind, e.Type, e.Payload)
			case ion.SlotUntyped:
				fmt.Fprintf(w, "  v%-4d %-8s type %s payload %s\n", e.VReg, e.Kind, e.TypeLoc, e.Payload)
			default:
				fmt.Fprintf(w, "  v%-4d %-8s %s\n", e.VReg, e.Kind, e.Payload)
			}
		}
	}
}
