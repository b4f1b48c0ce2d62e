//go:build linux || darwin || freebsd

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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
	"fmt"
	"math"
	"syscall"
	"unsafe"
)

// execBuf is a small wrapper for mmap'd memory
type execBuf struct {
	mem []byte
}

func allocExec(size int) (*execBuf, error) {
	page := syscall.Getpagesize()
	n := max(alignUp(size, page), page)
	b, err := syscall.Mmap(-1, 0, n, syscall.PROT_READ|syscall.PROT_WRITE, execMapFlags)
	if err != nil {
		return nil, err
	}
	return &execBuf{mem: b}, nil
}

// makeRX flips the pages from writable to executable.
func (e *execBuf) makeRX() error {
	return syscall.Mprotect(e.mem, syscall.PROT_READ|syscall.PROT_EXEC)
}

func (e *execBuf) release() error {
	return syscall.Munmap(e.mem)
}

func (e *execBuf) address() uintptr {
	return uintptr(unsafe.Pointer(&e.mem[0]))
}

// codeAddress narrows a mapping address to the 32-bit address the code is
// linked against.
func codeAddress(p uintptr) (uint32, error) {
	if uint64(p) > math.MaxUint32 {
		return 0, fmt.Errorf("ion: mapping at %#x is outside the 32-bit address space", p)
	}
	return uint32(p), nil
}

// Install maps linked code into executable memory. link is called with the
// final address so that relative references can be resolved against it.
func (c *CompiledCode) Install(link func(codeAddress uint32) ([]byte, error)) (uintptr, error) {
	if old := c.rt.installed.Load(); old != nil {
		return old.address(), nil
	}
	buf, err := allocExec(len(c.Code))
	if err != nil {
		return 0, fmt.Errorf("ion: install %s: %w", c.Name, err)
	}
	addr, err := codeAddress(buf.address())
	if err != nil {
		buf.release()
		return 0, fmt.Errorf("ion: install %s: %w", c.Name, err)
	}
	code, err := link(addr)
	if err != nil {
		buf.release()
		return 0, err
	}
	copy(buf.mem, code)
	if err := buf.makeRX(); err != nil {
		buf.release()
		return 0, fmt.Errorf("ion: install %s: %w", c.Name, err)
	}
	if !c.rt.installed.CompareAndSwap(nil, buf) {
		buf.release()
		return c.rt.installed.Load().address(), nil
	}
	return buf.address(), nil
}

// Release unmaps installed code.
func (c *CompiledCode) Release() error {
	buf := c.rt.installed.Swap(nil)
	if buf == nil {
		return nil
	}
	return buf.release()
}
