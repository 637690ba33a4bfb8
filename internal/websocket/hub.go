package websocket

import (
	"sync"

	"go.uber.org/zap"
)

// RoomFor returns the room name that holds userID's connections.
func RoomFor(userID string) string {
	return "user:" + userID
}

// Hub tracks live clients and the per-user rooms they have joined. A
// client is in at most one room at a time.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	clientRoom map[*Client]string
	logger     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		clientRoom: make(map[*Client]string),
		logger:     logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and from its room.
// The send channel stays open; the client's write pump exits on its own context.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.leaveLocked(c)
	h.mu.Unlock()
}

// Join moves c into userID's room, leaving any room it was in.
func (h *Hub) Join(c *Client, userID string) {
	room := RoomFor(userID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.clientRoom[c]; ok && prev == room {
		return
	}
	h.leaveLocked(c)

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.clientRoom[c] = room
}

// Leave removes c from its room, if any.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	h.leaveLocked(c)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c *Client) {
	room, ok := h.clientRoom[c]
	if !ok {
		return
	}
	delete(h.clientRoom, c)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast sends event to every live client in the rooms of userIDs.
// Each user is delivered to once even if listed twice; users with no live
// client are skipped.
func (h *Hub) Broadcast(userIDs []string, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		for c := range h.rooms[RoomFor(id)] {
			if !c.enqueue(data) {
				h.logger.Warn("client buffer full, dropping message",
					zap.String("event", event), zap.String("user_id", id))
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns how many clients are in userID's room.
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[RoomFor(userID)])
}

// RoomOf returns the room c is in, or "".
func (h *Hub) RoomOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientRoom[c]
}
