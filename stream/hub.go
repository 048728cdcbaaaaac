// Package stream fans board events out to connected realtime clients.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"prism-board/events"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  []byte
}

// Subscription is a live connection to one board channel.
type Subscription struct {
	SocketID string
	BoardID  string
	C        <-chan Frame

	ch   chan Frame
	hub  *Hub
	once sync.Once
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub keeps the subscriptions of every board handled by this instance.
type Hub struct {
	buffer int

	mu      sync.RWMutex
	boards  map[string]map[*Subscription]struct{}
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer up to buffer frames.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, boards: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a connection on a board.
func (h *Hub) Subscribe(boardID, socketID string) *Subscription {
	ch := make(chan Frame, h.buffer)
	s := &Subscription{SocketID: socketID, BoardID: boardID, C: ch, ch: ch, hub: h}
	h.mu.Lock()
	subs, ok := h.boards[boardID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.boards[boardID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.boards[s.BoardID]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.boards, s.BoardID)
	}
}

// Subscribers returns the number of connections on a board.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Dropped returns the number of frames discarded for slow connections.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast sends f to every connection on the board except skipSocket and
// returns how many received it. A connection with a full buffer misses the frame.
func (h *Hub) Broadcast(boardID, skipSocket string, f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for s := range h.boards[boardID] {
		if skipSocket != "" && s.SocketID == skipSocket {
			continue
		}
		select {
		case s.ch <- f:
			sent++
		default:
			h.dropped.Add(1)
		}
	}
	return sent
}

// Publish delivers an envelope to local connections. It lets a single
// instance run without Redis.
func (h *Hub) Publish(ctx context.Context, env events.Envelope) error {
	data, err := events.Encode(env)
	if err != nil {
		return err
	}
	h.Broadcast(env.BoardID, env.SocketID, Frame{Event: env.Name(), Data: data})
	return nil
}

// Deliver routes an encoded envelope received from another instance.
func (h *Hub) Deliver(raw []byte) error {
	hdr, err := events.DecodeHeader(raw)
	if err != nil {
		return err
	}
	h.Broadcast(hdr.BoardID, hdr.SocketID, Frame{Event: hdr.Event, Data: raw})
	return nil
}
