// Package collab hosts the real-time room layer: one room per list,
// joined over a websocket after a per-join authorization check.
package collab

import (
	"encoding/json"
	"log"
	"sync"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// peer serializes frame writes onto one websocket connection.
type peer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newPeer(encoder *json.Encoder) *peer {
	return &peer{encoder: encoder}
}

func (p *peer) writeFrame(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(f)
}

// listRoom tracks the live subscribers of one list. Rooms hold no message
// history: a relay reaches the members subscribed at that moment and late
// joiners see nothing older than their join.
type listRoom struct {
	mu          sync.Mutex
	listID      string
	subscribers map[*peer]struct{}
}

func newListRoom(listID string) *listRoom {
	return &listRoom{
		listID:      listID,
		subscribers: make(map[*peer]struct{}),
	}
}

func (r *listRoom) join(p *peer) {
	r.mu.Lock()
	r.subscribers[p] = struct{}{}
	r.mu.Unlock()
}

func (r *listRoom) leave(p *peer) bool {
	r.mu.Lock()
	delete(r.subscribers, p)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

// snapshot captures the membership at call time. The relay that follows
// includes the sender itself when it is still subscribed.
func (r *listRoom) snapshot() []*peer {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.subscribers))
	for p := range r.subscribers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	return peers
}

// Hub owns the room set. Rooms are created on first join and dropped once
// their last subscriber leaves.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*listRoom
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*listRoom)}
}

// join subscribes p to the list's room, creating the room on first join.
// Get-or-create and the membership add happen under the hub lock, so a
// concurrent release cannot drop the room between the two steps and leave
// the subscriber in a room the hub no longer knows.
func (h *Hub) join(listID string, p *peer) *listRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[listID]
	if !ok {
		room = newListRoom(listID)
		h.rooms[listID] = room
	}
	room.join(p)
	return room
}

func (h *Hub) lookup(listID string) *listRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[listID]
}

func (h *Hub) release(listID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[listID]
	if !ok {
		return
	}
	room.mu.Lock()
	empty := len(room.subscribers) == 0
	room.mu.Unlock()
	if empty {
		delete(h.rooms, listID)
	}
}

// Broadcast fans an event out to every current subscriber of the list's
// room. Callers outside the websocket layer use this to push list change
// notifications after a successful write. A list with no room is a no-op.
func (h *Hub) Broadcast(listID string, eventType string, payload any) {
	room := h.lookup(listID)
	if room == nil {
		return
	}
	f := frame{Type: eventType, Payload: mustJSON(payload)}
	for _, subscriber := range room.snapshot() {
		_ = subscriber.writeFrame(f)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal websocket payload: %v", err)
		return nil
	}
	return b
}
