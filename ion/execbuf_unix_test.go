//go:build linux || darwin || freebsd

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
	"math"
	"testing"
)

func TestCodeAddress(t *testing.T) {
	if got, err := codeAddress(0x10000); err != nil || got != 0x10000 {
		t.Errorf("low address: %x, %v", got, err)
	}
	top := ^uintptr(0)
	_, err := codeAddress(top)
	if wide := uint64(top) > math.MaxUint32; wide != (err != nil) {
		t.Errorf("address %#x: %v", top, err)
	}
}
