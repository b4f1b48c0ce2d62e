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
// Package inspect streams compile events to browsers and tools over a
// websocket.
package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/launix-de/ionjit/ion"
)

// Event is one message on the stream; Kind is compiled, aborted,
// published or stats.
type Event struct {
	Kind      string     `json:"kind"`
	Time      time.Time  `json:"time"`
	Name      string     `json:"name,omitempty"`
	ID        string     `json:"id,omitempty"`
	Bytes     int        `json:"bytes,omitempty"`
	HotBytes  uint32     `json:"hot_bytes,omitempty"`
	Frame     string     `json:"frame,omitempty"`
	Bailouts  int        `json:"bailouts,omitempty"`
	Patches   int        `json:"patches,omitempty"`
	CacheHit  bool       `json:"cache_hit,omitempty"`
	Error     string     `json:"error,omitempty"`
	Stats     *ion.Stats `json:"stats,omitempty"`
}

func codeEvent(kind string, c *ion.CompiledCode) Event {
	return Event{
		Kind:     kind,
		Time:     time.Now(),
		Name:     c.Name,
		ID:       c.ID.String(),
		Bytes:    len(c.Code),
		HotBytes: c.HotSize,
		Frame:    c.FrameClass.String(),
		Bailouts: len(c.Bailouts),
		Patches:  len(c.Patches),
	}
}

func statsEvent() Event {
	s := ion.StatsSnapshot()
	return Event{Kind: "stats", Time: time.Now(), Stats: &s}
}

// queued events per client; a client that falls this far behind loses
// events rather than stalling the compiler
const clientBuffer = 64

type client struct {
	send chan []byte
}

// Hub fans events out to every connected client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	dropped int
}

func NewHub() *Hub {
	return &Hub{clients: map[*client]struct{}{}}
}

func (h *Hub) broadcast(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		ion.Log.Error("inspect: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Compiled(c *ion.CompiledCode, cacheHit bool) {
	e := codeEvent("compiled", c)
	e.CacheHit = cacheHit
	h.broadcast(e)
}

func (h *Hub) Aborted(name string, err error) {
	h.broadcast(Event{Kind: "aborted", Time: time.Now(), Name: name, Error: err.Error()})
}

func (h *Hub) Published(c *ion.CompiledCode) {
	h.broadcast(codeEvent("published", c))
}

func (h *Hub) Stats() {
	h.broadcast(statsEvent())
}

// Observe reports the outcome of a CompileAll run.
func (h *Hub) Observe(results []ion.CompileResult) {
	for _, r := range results {
		if r.Err != nil {
			h.Aborted(r.Graph.Name, r.Err)
		} else {
			h.Compiled(r.Code, false)
		}
	}
	h.Stats()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades to a websocket. A new client first receives the
// current stats and every published function; afterwards it may send
// "stats" to get a fresh stats event.
func (h *Hub) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(res, req, nil)
	if err != nil {
		ion.Log.Warning("inspect: upgrade: %v", err)
		return
	}
	c := &client{send: make(chan []byte, clientBuffer)}
	var greeting []Event
	greeting = append(greeting, statsEvent())
	for _, code := range ion.PublishedAll() {
		greeting = append(greeting, codeEvent("published", code))
	}
	for _, e := range greeting {
		msg, _ := json.Marshal(e)
		c.send <- msg
		if len(c.send) == clientBuffer {
			break
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(ws, c)
	h.readLoop(ws, c)
}

func (h *Hub) writeLoop(ws *websocket.Conn, c *client) {
	for msg := range c.send {
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			ws.Close()
			return
		}
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
}

func (h *Hub) readLoop(ws *websocket.Conn, c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		close(c.send)
		h.mu.Unlock()
	}()
	for {
		messageType, msg, err := ws.ReadMessage()
		if err != nil {
			var closed *websocket.CloseError
			if !errors.As(err, &closed) {
				ion.Log.Debug("inspect: receive: %v", err)
			}
			return
		}
		if messageType == websocket.TextMessage && string(msg) == "stats" {
			e, _ := json.Marshal(statsEvent())
			h.mu.Lock()
			select {
			case c.send <- e:
			default:
				h.dropped++
			}
			h.mu.Unlock()
		}
	}
}

// Serve starts the event stream on addr at /events, plus a plain JSON
// snapshot of the counters at /stats.
func Serve(addr string, h *Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	mux.HandleFunc("/stats", func(res http.ResponseWriter, req *http.Request) {
		res.Header().Set("Content-Type", "application/json")
		json.NewEncoder(res).Encode(ion.StatsSnapshot())
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ion.Log.Error("inspect: %v", err)
		}
	}()
	return server
}
