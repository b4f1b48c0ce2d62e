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

// lowercheck verifies that the code generator's dispatch switch names
// every opcode exactly once.
//
// Usage:
//   go run ./tools/lowercheck/            # checks ./ion
//   go run ./tools/lowercheck/ -v ./ion   # also lists the cases
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

var verbose bool

func main() {
	pkgDir := "./ion"
	for _, arg := range os.Args[1:] {
		if arg == "-v" || arg == "--verbose" {
			verbose = true
		} else {
			pkgDir = arg
		}
	}

	cfg := &packages.Config{
		Mode: packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedName,
	}
	pkgs, err := packages.Load(cfg, pkgDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load package: %v\n", err)
		os.Exit(1)
	}
	if len(pkgs) == 0 {
		fmt.Fprintf(os.Stderr, "no packages found\n")
		os.Exit(1)
	}
	pkg := pkgs[0]
	// type errors such as a duplicate case still leave usable type info
	typeErrors := 0
	for _, e := range pkg.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
		if e.Kind != packages.TypeError {
			os.Exit(1)
		}
		typeErrors++
	}

	r := check(pkg.Fset, pkg.Syntax, pkg.Types, pkg.TypesInfo)
	if verbose {
		for _, name := range r.covered {
			fmt.Printf("  %s OK\n", name)
		}
	}
	for _, p := range r.problems {
		fmt.Printf("  %s\n", p)
	}
	if len(r.problems) > 0 || typeErrors > 0 {
		os.Exit(1)
	}
	fmt.Printf("%d opcodes lowered\n", len(r.covered))
}

type result struct {
	covered  []string
	problems []string
}

// check finds the Opcode constants of pkg and the switch over an Opcode
// inside (*CodeGenerator).lower, and compares the two.
func check(fset *token.FileSet, files []*ast.File, pkg *types.Package, info *types.Info) result {
	var r result
	opType := pkg.Scope().Lookup("Opcode")
	if opType == nil {
		r.problems = append(r.problems, "no Opcode type")
		return r
	}
	opcodes := map[*types.Const]bool{}
	for _, name := range pkg.Scope().Names() {
		c, ok := pkg.Scope().Lookup(name).(*types.Const)
		if ok && c.Exported() && strings.HasPrefix(name, "Op") && types.Identical(c.Type(), opType.Type()) {
			opcodes[c] = false
		}
	}

	sw := findDispatch(files, info, opType.Type())
	if sw == nil {
		r.problems = append(r.problems, "no switch over Opcode in (*CodeGenerator).lower")
		return r
	}
	for _, stmt := range sw.Body.List {
		clause := stmt.(*ast.CaseClause)
		for _, e := range clause.List {
			id, ok := e.(*ast.Ident)
			if !ok {
				r.problems = append(r.problems, fmt.Sprintf("%s: case is not a plain opcode", fset.Position(e.Pos())))
				continue
			}
			c, ok := info.Uses[id].(*types.Const)
			if !ok {
				continue
			}
			if seen, known := opcodes[c]; !known {
				r.problems = append(r.problems, fmt.Sprintf("%s: %s is not an opcode", fset.Position(id.Pos()), id.Name))
			} else if seen {
				r.problems = append(r.problems, fmt.Sprintf("%s: %s handled twice", fset.Position(id.Pos()), id.Name))
			} else {
				opcodes[c] = true
				r.covered = append(r.covered, c.Name())
			}
		}
	}
	var missing []string
	for c, seen := range opcodes {
		if !seen {
			missing = append(missing, c.Name())
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		r.problems = append(r.problems, fmt.Sprintf("%s has no lowering", name))
	}
	return r
}

func findDispatch(files []*ast.File, info *types.Info, opType types.Type) *ast.SwitchStmt {
	var result *ast.SwitchStmt
	for _, f := range files {
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Name.Name != "lower" || fn.Recv == nil || fn.Body == nil {
				continue
			}
			ast.Inspect(fn.Body, func(n ast.Node) bool {
				sw, ok := n.(*ast.SwitchStmt)
				if ok && result == nil && sw.Tag != nil && types.Identical(info.TypeOf(sw.Tag), opType) {
					result = sw
				}
				return result == nil
			})
		}
	}
	return result
}
