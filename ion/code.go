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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/launix-de/NonLockingReadMap"
)

// CompiledCode is the result of one compilation. It is immutable once
// Generate returns and may be shared between threads; only the bailout
// counters change afterwards.
type CompiledCode struct {
	ID         uuid.UUID
	Name       string
	Arch       string
	Code       []byte
	HotSize    uint32 // the out-of-line blocks start here
	FrameSize  uint32
	FrameClass FrameSizeClass
	Snapshots  []byte
	Bailouts   []BailoutSite // ordered by code offset
	Patches    []PatchRecord // ordered by start
	Relocs     []Relocation

	patchIndex *btree.BTreeG[PatchRecord]
	rt         *codeRuntime
}

// codeRuntime is the mutable state hanging off immutable code.
type codeRuntime struct {
	bailoutCounts []atomic.Uint32 // parallel to Bailouts
	installed     atomic.Pointer[execBuf]
}

func (c CompiledCode) GetKey() string { return c.Name }
func (c CompiledCode) ComputeSize() uint {
	return uint(len(c.Code)+len(c.Snapshots)) + uint(len(c.Bailouts))*12 + uint(len(c.Patches))*32 + uint(len(c.Relocs))*12 + 128
}

// BailoutSiteAt returns the bailout site whose guard starts at offset.
func (c *CompiledCode) BailoutSiteAt(offset uint32) (BailoutSite, bool) {
	i := sort.Search(len(c.Bailouts), func(i int) bool { return c.Bailouts[i].CodeOffset >= offset })
	if i < len(c.Bailouts) && c.Bailouts[i].CodeOffset == offset {
		return c.Bailouts[i], true
	}
	return BailoutSite{}, false
}

func (c *CompiledCode) noteBailout(snapshotOffset uint32) {
	for i := range c.Bailouts {
		if c.Bailouts[i].SnapshotOffset == snapshotOffset {
			c.rt.bailoutCounts[i].Add(1)
			return
		}
	}
}

// BailoutCount is how often the guards using a snapshot have failed.
// Deciding what to do about it is up to the caller.
func (c *CompiledCode) BailoutCount(snapshotOffset uint32) uint32 {
	var n uint32
	for i := range c.Bailouts {
		if c.Bailouts[i].SnapshotOffset == snapshotOffset {
			n += c.rt.bailoutCounts[i].Load()
		}
	}
	return n
}

// Revive rebuilds the runtime state of code whose exported fields were
// read back from somewhere else, typically an artifact cache. Bailout
// counters start at zero and the code is not installed.
func Revive(c *CompiledCode) (*CompiledCode, error) {
	if c.Arch != TargetArch {
		return nil, fmt.Errorf("%w: %s code for %s target", ErrMalformedGraph, c.Arch, TargetArch)
	}
	if c.HotSize > uint32(len(c.Code)) {
		return nil, fmt.Errorf("%w: hot size %d past %d bytes of code", ErrMalformedGraph, c.HotSize, len(c.Code))
	}
	if !sort.SliceIsSorted(c.Bailouts, func(i, j int) bool { return bailoutSiteLess(c.Bailouts[i], c.Bailouts[j]) }) {
		return nil, fmt.Errorf("%w: bailout sites out of order", ErrMalformedGraph)
	}
	for _, s := range c.Bailouts {
		if s.OOLEntry >= uint32(len(c.Code)) || s.SnapshotOffset >= uint32(len(c.Snapshots)) {
			return nil, fmt.Errorf("%w: bailout site %+v out of range", ErrMalformedGraph, s)
		}
		if _, err := DecodeSnapshot(c.Snapshots, s.SnapshotOffset); err != nil {
			return nil, fmt.Errorf("%w: bailout site at %d: %v", ErrMalformedGraph, s.CodeOffset, err)
		}
	}
	index := btree.NewG[PatchRecord](8, patchRecordLess)
	for _, p := range c.Patches {
		if p.End <= p.Start || p.PatchAt < p.Start || p.PatchAt+4 > p.End || p.End > uint32(len(c.Code)) {
			return nil, fmt.Errorf("%w: patch %s at %d out of range", ErrMalformedGraph, p.Kind, p.PatchAt)
		}
		index.ReplaceOrInsert(p)
	}
	code := *c
	code.patchIndex = index
	code.rt = &codeRuntime{bailoutCounts: make([]atomic.Uint32, len(c.Bailouts))}
	return &code, nil
}

// process-wide registry of published code, read without locks; writers
// serialize on publishMu
var published = NonLockingReadMap.New[CompiledCode, string]()
var publishMu sync.Mutex

// Publish makes code visible to other threads under its function name and
// returns the code it replaced, if any.
func Publish(c *CompiledCode) *CompiledCode {
	publishMu.Lock()
	// Set on a present key leaves a second entry behind, so drop the old one
	old := published.Remove(c.Name)
	published.Set(c)
	publishMu.Unlock()
	stats.published.Add(1)
	Log.Info("ion: published %s (%d bytes, id %s)", c.Name, len(c.Code), c.ID)
	return old
}

// Published looks up the current code of a function.
func Published(name string) *CompiledCode {
	return published.Get(name)
}

// PublishedAll lists all published code in name order.
func PublishedAll() []*CompiledCode {
	return published.GetAll()
}

// Unpublish removes a function's code; installed pages stay mapped until
// Release.
func Unpublish(name string) *CompiledCode {
	publishMu.Lock()
	defer publishMu.Unlock()
	return published.Remove(name)
}
