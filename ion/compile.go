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
	"runtime/debug"

	"github.com/jtolds/gls"
)

// CompileResult is the outcome for one graph of CompileAll.
type CompileResult struct {
	Graph *Graph
	Code  *CompiledCode
	Err   error
}

type compilePanic struct {
	index int
	r     any
	stack string
}

// CompileAll generates code for every graph in parallel. Each function
// compiles with private state, so one failure does not affect the others.
// Assertion failures are re-raised in the caller once all workers finished.
func CompileAll(graphs []*Graph, opts Options) []CompileResult {
	results := make([]CompileResult, len(graphs))
	if len(graphs) == 0 {
		return results
	}
	done := make(chan *compilePanic, len(graphs))
	for i, g := range graphs {
		gls.Go(func(i int, g *Graph) func() {
			return func() {
				defer func() {
					if r := recover(); r != nil {
						done <- &compilePanic{i, r, string(debug.Stack())}
					} else {
						done <- nil
					}
				}()
				code, err := Generate(g, opts)
				results[i] = CompileResult{Graph: g, Code: code, Err: err}
			}
		}(i, g))
	}
	var first *compilePanic
	for range graphs {
		if p := <-done; p != nil && (first == nil || p.index < first.index) {
			first = p
		}
	}
	if first != nil {
		Log.Error("ion: %s: %v\n%s", graphs[first.index].Name, first.r, first.stack)
		panic(first.r)
	}
	return results
}
