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
	"encoding/binary"
	"math"
	"testing"

	"github.com/launix-de/ionjit/ion/x86"
)

// cpu interprets the subset of x86 that compare, slot and return sequences
// are made of: integer moves and compares on registers or plain memory,
// plus the SSE moves doubles pass through. Anything else fails the test.
type cpu struct {
	regs           [x86.NumRegisters]uint32
	xmm            [x86.NumFloatRegisters]uint64 // low quadword only
	mem            map[uint32]byte
	zf, cf, sf, of bool
}

func (c *cpu) sub(a, b uint32) uint32 {
	r := a - b
	c.zf = r == 0
	c.cf = a < b
	c.sf = int32(r) < 0
	c.of = ((a^b)&(a^r))>>31 != 0
	return r
}

func (c *cpu) add(a, b uint32) uint32 {
	r := a + b
	c.zf = r == 0
	c.cf = r < a
	c.sf = int32(r) < 0
	c.of = (^(a^b)&(a^r))>>31 != 0
	return r
}

func (c *cpu) cond(cc byte) bool {
	var r bool
	switch cc &^ 1 {
	case 0x0:
		r = c.of
	case 0x2:
		r = c.cf
	case 0x4:
		r = c.zf
	case 0x6:
		r = c.cf || c.zf
	case 0x8:
		r = c.sf
	case 0xC:
		r = c.sf != c.of
	case 0xE:
		r = c.zf || c.sf != c.of
	default:
		panic("unsupported condition")
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

func (c *cpu) load32(addr uint32) uint32 {
	var b [4]byte
	for i := range b {
		b[i] = c.mem[addr+uint32(i)]
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (c *cpu) store32(addr, v uint32) {
	if c.mem == nil {
		c.mem = map[uint32]byte{}
	}
	for i := uint32(0); i < 4; i++ {
		c.mem[addr+i] = byte(v >> (8 * i))
	}
}

func (c *cpu) load64(addr uint32) uint64 {
	return uint64(c.load32(addr)) | uint64(c.load32(addr+4))<<32
}

func (c *cpu) store64(addr uint32, v uint64) {
	c.store32(addr, uint32(v))
	c.store32(addr+4, uint32(v>>32))
}

// storeValue places a boxed value in memory the way slots hold it.
func (c *cpu) storeValue(addr uint32, v Value) {
	c.store64(addr, uint64(v))
}

// rmOperand is a decoded r/m field: a register number or an address.
type rmOperand struct {
	isReg bool
	reg   byte
	addr  uint32
}

// decodeModRM decodes the ModRM byte at code[at] and whatever SIB and
// displacement follow. n is the number of bytes consumed.
func (c *cpu) decodeModRM(code []byte, at int) (reg byte, rm rmOperand, n int) {
	modrm := code[at]
	mod, rmBits := modrm>>6, modrm&7
	reg = (modrm >> 3) & 7
	if mod == 3 {
		return reg, rmOperand{isReg: true, reg: rmBits}, 1
	}
	n = 1
	var addr uint32
	switch {
	case rmBits == 4:
		sib := code[at+1]
		n++
		if index := (sib >> 3) & 7; index != 4 {
			addr += c.regs[index] << (sib >> 6)
		}
		if base := sib & 7; base == 5 && mod == 0 {
			addr += binary.LittleEndian.Uint32(code[at+n:])
			n += 4
		} else {
			addr += c.regs[base]
		}
	case rmBits == 5 && mod == 0:
		addr = binary.LittleEndian.Uint32(code[at+1:])
		n += 4
	default:
		addr = c.regs[rmBits]
	}
	switch mod {
	case 1:
		addr += uint32(int32(int8(code[at+n])))
		n++
	case 2:
		addr += binary.LittleEndian.Uint32(code[at+n:])
		n += 4
	}
	return reg, rmOperand{addr: addr}, n
}

func (c *cpu) read32(o rmOperand) uint32 {
	if o.isReg {
		return c.regs[o.reg]
	}
	return c.load32(o.addr)
}

func (c *cpu) write32(o rmOperand, v uint32) {
	if o.isReg {
		c.regs[o.reg] = v
		return
	}
	c.store32(o.addr, v)
}

// readXmm reads the low quadword of an xmm register or of memory.
func (c *cpu) readXmm(o rmOperand) uint64 {
	if o.isReg {
		return c.xmm[o.reg]
	}
	return c.load64(o.addr)
}

// run executes code from offset 0 until the first ret and returns -1, or
// until control reaches offset hot or beyond and returns that offset.
func (c *cpu) run(t *testing.T, code []byte, hot int) int {
	t.Helper()
	u32 := func(at int) uint32 { return binary.LittleEndian.Uint32(code[at:]) }
	pc := 0
	for steps := 0; steps < 10000; steps++ {
		if pc >= hot && pc < len(code) {
			return pc
		}
		if pc < 0 || pc >= len(code) {
			t.Fatalf("pc %d outside code of %d bytes", pc, len(code))
		}
		op := code[pc]
		switch {
		case op == 0xC3:
			return -1
		case op >= 0xB8 && op <= 0xBF:
			c.regs[op-0xB8] = u32(pc + 1)
			pc += 5
		case op == 0x89, op == 0x8B, op == 0x39, op == 0x3B:
			reg, rm, n := c.decodeModRM(code, pc+1)
			switch op {
			case 0x89:
				c.write32(rm, c.regs[reg])
			case 0x8B:
				c.regs[reg] = c.read32(rm)
			case 0x39:
				c.sub(c.read32(rm), c.regs[reg])
			case 0x3B:
				c.sub(c.regs[reg], c.read32(rm))
			}
			pc += 1 + n
		case op == 0x87:
			reg, rm, n := c.decodeModRM(code, pc+1)
			if !rm.isReg {
				t.Fatalf("xchg with memory at %d", pc)
			}
			c.regs[rm.reg], c.regs[reg] = c.regs[reg], c.regs[rm.reg]
			pc += 1 + n
		case op == 0x81:
			ext, rm, n := c.decodeModRM(code, pc+1)
			imm := u32(pc + 1 + n)
			switch ext {
			case 0:
				c.write32(rm, c.add(c.read32(rm), imm))
			case 5:
				c.write32(rm, c.sub(c.read32(rm), imm))
			case 7:
				c.sub(c.read32(rm), imm)
			default:
				t.Fatalf("alu /%d at %d", ext, pc)
			}
			pc += 1 + n + 4
		case op == 0xE9:
			pc += 5 + int(int32(u32(pc+1)))
		case op >= 0x70 && op <= 0x7F:
			rel := int(int8(code[pc+1]))
			pc += 2
			if c.cond(op & 0xF) {
				pc += rel
			}
		case op == 0x0F:
			op2 := code[pc+1]
			switch {
			case op2 >= 0x80 && op2 <= 0x8F:
				rel := int(int32(u32(pc + 2)))
				pc += 6
				if c.cond(op2 & 0xF) {
					pc += rel
				}
			case op2 >= 0x90 && op2 <= 0x9F:
				_, rm, n := c.decodeModRM(code, pc+2)
				var b uint32
				if c.cond(op2 & 0xF) {
					b = 1
				}
				c.write32(rm, c.read32(rm)&^0xFF|b)
				pc += 2 + n
			case op2 == 0xB6:
				reg, rm, n := c.decodeModRM(code, pc+2)
				c.regs[reg] = c.read32(rm) & 0xFF
				pc += 2 + n
			default:
				t.Fatalf("unsupported 0f %02x at %d", op2, pc)
			}
		case (op == 0xF2 || op == 0x66) && code[pc+1] == 0x0F:
			pc += c.sse(t, code, pc)
		default:
			t.Fatalf("unsupported opcode %02x at %d", op, pc)
		}
	}
	t.Fatal("no ret after 10000 steps")
	return -1
}

// sse executes one prefixed SSE instruction and returns its length.
func (c *cpu) sse(t *testing.T, code []byte, pc int) int {
	t.Helper()
	prefix, op := code[pc], code[pc+2]
	reg, rm, n := c.decodeModRM(code, pc+3)
	size := 3 + n
	switch {
	case prefix == 0xF2 && op == 0x10: // movsd xmm, xmm/m64
		c.xmm[reg] = c.readXmm(rm)
	case prefix == 0xF2 && op == 0x11: // movsd xmm/m64, xmm
		if rm.isReg {
			c.xmm[rm.reg] = c.xmm[reg]
		} else {
			c.store64(rm.addr, c.xmm[reg])
		}
	case prefix == 0xF2 && op == 0x2A: // cvtsi2sd xmm, r/m32
		c.xmm[reg] = math.Float64bits(float64(int32(c.read32(rm))))
	case prefix == 0x66 && op == 0x6E: // movd xmm, r32
		c.xmm[reg] = uint64(c.read32(rm))
	case prefix == 0x66 && op == 0x7E: // movd r/m32, xmm
		c.write32(rm, uint32(c.xmm[reg]))
	case prefix == 0x66 && op == 0x28: // movapd
		c.xmm[reg] = c.readXmm(rm)
	case prefix == 0x66 && op == 0x62: // punpckldq, low halves only
		c.xmm[reg] = c.xmm[reg]&0xFFFFFFFF | c.readXmm(rm)<<32
	case prefix == 0x66 && op == 0x73 && reg == 2 && rm.isReg: // psrlq xmm, imm8
		c.xmm[rm.reg] >>= code[pc+size]
		size++
	default:
		t.Fatalf("unsupported sse %02x 0f %02x at %d", prefix, op, pc)
	}
	return size
}

// runGraph compiles g, seeds the given registers and runs the hot stream.
// left is the out-of-line offset execution jumped to, or -1 after a return.
func runGraph(t *testing.T, g *Graph, seed map[x86.Register]uint32) (c *cpu, code *CompiledCode, left int) {
	t.Helper()
	return runGraphWithMemory(t, g, seed, nil)
}

// runGraphWithMemory is runGraph with boxed values preloaded at the given
// addresses.
func runGraphWithMemory(t *testing.T, g *Graph, seed map[x86.Register]uint32, mem map[uint32]Value) (c *cpu, code *CompiledCode, left int) {
	t.Helper()
	code, err := Generate(g, Options{})
	if err != nil {
		t.Fatalf("generate %s: %v", g.Name, err)
	}
	c = &cpu{}
	for r, v := range seed {
		c.regs[r] = v
	}
	for addr, v := range mem {
		c.storeValue(addr, v)
	}
	c.regs[x86.ESP] = 0x8000
	left = c.run(t, code.Code, int(code.HotSize))
	return c, code, left
}

// returned is the value left in the JS return registers.
func (c *cpu) returned() Value {
	return Value(uint64(c.regs[x86.JSReturnRegType])<<32 | uint64(c.regs[x86.JSReturnRegData]))
}

// execute runs g to its return and yields the returned value.
func execute(t *testing.T, g *Graph, seed map[x86.Register]uint32) Value {
	t.Helper()
	c, _, left := runGraph(t, g, seed)
	if left >= 0 {
		t.Fatalf("%s: left the hot stream at %d", g.Name, left)
	}
	if c.regs[x86.ESP] != 0x8000 {
		t.Errorf("%s: esp off by %d after return", g.Name, int32(c.regs[x86.ESP]-0x8000))
	}
	return c.returned()
}
