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

import "fmt"

// frameSizes is shared by every compiled function; bailout trampolines are
// generated once per entry.
var frameSizes = [...]uint32{128, 256, 512, 1024}

// FrameSizeClass buckets a frame depth. The zero value is class 0.
type FrameSizeClass struct {
	class uint32
}

const noFrameSizeClassID = ^uint32(0)

// NoFrameSizeClass is the "exceeds all classes" sentinel.
func NoFrameSizeClass() FrameSizeClass {
	return FrameSizeClass{noFrameSizeClassID}
}

// FrameSizeClassFromDepth returns the smallest class strictly larger than depth.
func FrameSizeClassFromDepth(depth uint32) FrameSizeClass {
	for i, size := range frameSizes {
		if depth < size {
			return FrameSizeClass{uint32(i)}
		}
	}
	return NoFrameSizeClass()
}

// FrameSizeClassLimit is one past the last valid class.
func FrameSizeClassLimit() FrameSizeClass {
	return FrameSizeClass{uint32(len(frameSizes))}
}

// NumFrameSizeClasses is the count of real classes.
func NumFrameSizeClasses() int {
	return len(frameSizes)
}

func (c FrameSizeClass) Valid() bool {
	return c.class != noFrameSizeClassID
}

// ClassID returns the index; undefined for the sentinel.
func (c FrameSizeClass) ClassID() uint32 {
	return c.class
}

// FrameSize returns the bucket's byte size.
func (c FrameSizeClass) FrameSize() uint32 {
	if !c.Valid() || c.class >= uint32(len(frameSizes)) {
		panic(assertf("frame size of invalid class %v", c))
	}
	return frameSizes[c.class]
}

func (c FrameSizeClass) String() string {
	if !c.Valid() {
		return "none"
	}
	if c.class >= uint32(len(frameSizes)) {
		return fmt.Sprintf("limit(%d)", c.class)
	}
	return fmt.Sprintf("%d", frameSizes[c.class])
}

// FrameSizeClassFromID is the inverse of ClassID; it accepts the sentinel
// and rejects ids past the last class.
func FrameSizeClassFromID(id uint32) (FrameSizeClass, bool) {
	if id == noFrameSizeClassID || id < uint32(len(frameSizes)) {
		return FrameSizeClass{id}, true
	}
	return FrameSizeClass{}, false
}
