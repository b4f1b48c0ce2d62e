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
	"fmt"
)

// Reasons a single function cannot be compiled. The caller keeps running the
// function in the baseline tier.
var (
	ErrMalformedGraph          = errors.New("malformed instruction graph")
	ErrMissingAllocation       = errors.New("operand has no assigned location")
	ErrMissingSnapshot         = errors.New("fallible instruction without snapshot")
	ErrUnrepresentableSnapshot = errors.New("snapshot cannot describe a live value")
	ErrLabelGraph              = errors.New("inconsistent label graph")
	ErrCodeTooLarge            = errors.New("code buffer limit exceeded")
	ErrUnknownVMFunction       = errors.New("unknown VM function")
)

// CompileError carries the function and instruction a compilation was
// abandoned at.
type CompileError struct {
	Function string
	InsnID   int // -1 if not tied to an instruction
	Op       Opcode
	Err      error
	Detail   string
}

func (e *CompileError) Error() string {
	if e.InsnID >= 0 {
		return fmt.Sprintf("ion: %s: insn %d (%s): %v: %s", e.Function, e.InsnID, e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("ion: %s: %v: %s", e.Function, e.Err, e.Detail)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// compileAbort is the panic payload that unwinds lowering back to Generate.
type compileAbort struct {
	err *CompileError
}

// AssertionError marks a broken internal invariant. Generate does not
// recover it.
type AssertionError struct {
	Msg string
}

func (e AssertionError) Error() string {
	return "ion: assertion failed: " + e.Msg
}

func assertf(format string, args ...any) AssertionError {
	return AssertionError{Msg: fmt.Sprintf(format, args...)}
}
