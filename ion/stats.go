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
	"sync/atomic"
)

// counters are bumped from every compiling goroutine without locks
var stats struct {
	compiled     atomic.Int64
	aborted      atomic.Int64
	codeBytes    atomic.Int64
	bailoutSites atomic.Int64
	bailouts     atomic.Int64
	oolBlocks    atomic.Int64
	patchRecords atomic.Int64
	vmCalls      atomic.Int64
	published    atomic.Int64
	linked       atomic.Int64
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Compiled     int64 `json:"compiled" yaml:"compiled"`
	Aborted      int64 `json:"aborted" yaml:"aborted"`
	CodeBytes    int64 `json:"code_bytes" yaml:"code_bytes"`
	BailoutSites int64 `json:"bailout_sites" yaml:"bailout_sites"`
	Bailouts     int64 `json:"bailouts" yaml:"bailouts"`
	OOLBlocks    int64 `json:"ool_blocks" yaml:"ool_blocks"`
	PatchRecords int64 `json:"patch_records" yaml:"patch_records"`
	VMCalls      int64 `json:"vm_calls" yaml:"vm_calls"`
	Published    int64 `json:"published" yaml:"published"`
	Linked       int64 `json:"linked" yaml:"linked"`
}

func StatsSnapshot() Stats {
	return Stats{
		Compiled:     stats.compiled.Load(),
		Aborted:      stats.aborted.Load(),
		CodeBytes:    stats.codeBytes.Load(),
		BailoutSites: stats.bailoutSites.Load(),
		Bailouts:     stats.bailouts.Load(),
		OOLBlocks:    stats.oolBlocks.Load(),
		PatchRecords: stats.patchRecords.Load(),
		VMCalls:      stats.vmCalls.Load(),
		Published:    stats.published.Load(),
		Linked:       stats.linked.Load(),
	}
}
