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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/launix-de/ionjit/cache"
	"github.com/launix-de/ionjit/inspect"
	"github.com/launix-de/ionjit/ion"
)

// session carries what ionc was asked to do with each compiled function.
type session struct {
	opts  ion.Options
	store *cache.Store   // nil = no artifact cache
	hub   *inspect.Hub   // nil = no event stream
	link  *ion.LinkBases // nil = do not link
	out   io.Writer
	mu    sync.Mutex // serializes watch reloads against the shell
}

// stubStride is the distance between entries of the stub tables -link
// lays out for builtins, functions, VM functions and trampolines.
const stubStride = 16

// parseLinkBases reads "heap=0x10000,global=0x2000,..." into link bases.
func parseLinkBases(s string) (*ion.LinkBases, error) {
	b := &ion.LinkBases{
		Builtins:    map[uint32]uint32{},
		Functions:   map[uint32]uint32{},
		VMFunctions: map[uint32]uint32{},
		Trampolines: map[uint32]uint32{},
	}
	tables := map[string]uint32{}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("link: %q is not name=address", part)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("link: %s: %w", name, err)
		}
		switch name = strings.TrimSpace(name); name {
		case "code":
			b.CodeAddress = uint32(v)
		case "heap":
			b.HeapBase = uint32(v)
		case "global":
			b.GlobalBase = uint32(v)
		case "exception":
			b.ExceptionHandler = uint32(v)
		case "builtin", "function", "vm", "trampoline":
			tables[name] = uint32(v)
		default:
			return nil, fmt.Errorf("link: unknown base %q", name)
		}
	}
	fill := func(m map[uint32]uint32, base uint32, n int) {
		for i := 0; i < n; i++ {
			m[uint32(i)] = base + uint32(i)*stubStride
		}
	}
	if base, ok := tables["builtin"]; ok {
		fill(b.Builtins, base, 256)
	}
	if base, ok := tables["function"]; ok {
		fill(b.Functions, base, 4096)
	}
	if base, ok := tables["vm"]; ok {
		for _, f := range ion.VMFunctions() {
			b.VMFunctions[f.ID] = base + f.ID*stubStride
		}
	}
	if base, ok := tables["trampoline"]; ok {
		fill(b.Trampolines, base, ion.NumFrameSizeClasses()+1)
	}
	return b, nil
}

// compileFile compiles every function of a graph file, prints a line per
// function and publishes what compiled. It returns the number of failures.
func (s *session) compileFile(path string) (int, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	graphs, err := ion.ParseGraphs(source)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []ion.CompileResult
	hits := map[*ion.Graph]bool{}
	if s.store == nil {
		results = ion.CompileAll(graphs, s.opts)
	} else {
		for _, g := range graphs {
			code, hit, err := s.store.Compile(g, source, s.opts)
			if code != nil && err != nil {
				// compiled but not stored: still usable
				ion.Log.Warning("ionc: %v", err)
				err = nil
			}
			hits[g] = hit
			results = append(results, ion.CompileResult{Graph: g, Code: code, Err: err})
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(s.out, "%-24s FAILED: %v\n", r.Graph.Name, r.Err)
			if s.hub != nil {
				s.hub.Aborted(r.Graph.Name, r.Err)
			}
			continue
		}
		s.report(r.Code, hits[r.Graph])
		ion.Publish(r.Code)
		if s.hub != nil {
			s.hub.Compiled(r.Code, hits[r.Graph])
			s.hub.Published(r.Code)
		}
	}
	if s.hub != nil {
		s.hub.Stats()
	}
	return failed, nil
}

func (s *session) report(c *ion.CompiledCode, cacheHit bool) {
	cached := ""
	if cacheHit {
		cached = " (cached)"
	}
	fmt.Fprintf(s.out, "%-24s %8s  frame %-5s %3d bailouts %3d patches%s\n",
		c.Name, units.HumanSize(float64(len(c.Code))), c.FrameClass, len(c.Bailouts), len(c.Patches), cached)
	if s.link != nil {
		bases := *s.link
		if _, err := ion.Link(c, bases); err != nil {
			fmt.Fprintf(s.out, "%-24s link: %v\n", "", err)
		} else {
			fmt.Fprintf(s.out, "%-24s linked at %#x\n", "", bases.CodeAddress)
		}
	}
}
