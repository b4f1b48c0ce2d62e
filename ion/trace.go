/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracefile writes compile phases in the Chrome trace event format; load
// the file in chrome://tracing or Perfetto.
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
}

var Trace *Tracefile // nil = tracing off

// SetTrace opens a new tracefile in dir (or closes the current one).
func SetTrace(on bool, dir string) error {
	if Trace != nil {
		Trace.Close()
		Trace = nil
	}
	if on {
		f, err := os.Create(filepath.Join(dir, "ion_trace_"+fmt.Sprint(time.Now().Unix())+".json"))
		if err != nil {
			return err
		}
		Trace = NewTrace(f)
	}
	return nil
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	return &Tracefile{file: file, isFirst: true}
}

func (t *Tracefile) Close() {
	t.file.Write([]byte("]"))
	t.file.Close()
}

// Duration records f as a begin/end pair. A nil tracefile just runs f.
func (t *Tracefile) Duration(name string, cat string, f func()) {
	if t == nil {
		f()
		return
	}
	t.Event(name, cat, "B")
	defer t.Event(name, cat, "E")
	f()
}

func (t *Tracefile) Event(name string, cat string, typ string) {
	t.EventFull(name, cat, typ, time.Since(start).Microseconds(), 0, 0)
}

/*
EventFull writes one event:

	@name function name
	@cat comma separated categories (for filtering)
	@typ B/E for begin/end, X for events
	@ts timestamp in microseconds
*/
func (t *Tracefile) EventFull(name string, cat string, typ string, ts int64, tid int, pid int) {
	ev := struct {
		Name string `json:"name"`
		Cat  string `json:"cat"`
		Ph   string `json:"ph"`
		Ts   int64  `json:"ts"`
		Pid  int    `json:"pid"`
		Tid  int    `json:"tid"`
		S    string `json:"s"`
	}{name, cat, typ, ts, pid, tid, "g"}
	b, _ := json.Marshal(ev)
	t.m.Lock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write(b)
	t.m.Unlock()
}

var start time.Time = time.Now()
