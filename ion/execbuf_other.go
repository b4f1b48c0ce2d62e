//go:build !(linux || darwin || freebsd)

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

import "errors"

type execBuf struct{}

func (e *execBuf) address() uintptr { return 0 }

// Install is not available without mmap.
func (c *CompiledCode) Install(link func(codeAddress uint32) ([]byte, error)) (uintptr, error) {
	return 0, errors.New("ion: installing code is not supported on this platform")
}

func (c *CompiledCode) Release() error { return nil }
