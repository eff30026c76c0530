package stream

import "sync"

// Hub counts live stream connections per room. The session ledger reads it
// as its presence source when seeding participant counts.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]int)}
}

// Join records a connection in roomID.
func (h *Hub) Join(roomID string) {
	h.mu.Lock()
	h.rooms[roomID]++
	h.mu.Unlock()
}

// Leave removes a connection from roomID. Empty rooms are forgotten.
func (h *Hub) Leave(roomID string) {
	h.mu.Lock()
	if h.rooms[roomID] > 1 {
		h.rooms[roomID]--
	} else {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
}

// OnlineCount implements session.Presence.
func (h *Hub) OnlineCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}
