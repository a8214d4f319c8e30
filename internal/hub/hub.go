// Package hub fans events out to connected sessions. Each incident maps to a
// room; sessions join and leave rooms as the client navigates, and every
// broadcast reaches the room's sessions in a single consistent order.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/warroomhq/warroom/pkg/protocol"
)

// Room returns the room name for an incident.
func Room(incidentID string) string { return "incident:" + incidentID }

// Session is one connected client from the hub's point of view. Outbound
// messages go through a bounded queue drained by the connection's write loop;
// a full queue means the consumer is too slow and the session is closed.
type Session struct {
	ID     string
	UserID string
	Name   string
	Role   string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewSession creates a session with the given outbound queue capacity.
func NewSession(id, userID, name, role string, queueSize int) *Session {
	return &Session{
		ID:     id,
		UserID: userID,
		Name:   name,
		Role:   role,
		send:   make(chan []byte, queueSize),
	}
}

// Outbound is the channel the connection's write loop drains. It is closed
// when the session is removed from the hub.
func (s *Session) Outbound() <-chan []byte { return s.send }

// enqueue appends a message without blocking. It returns false when the
// queue is full or the session is already closed.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Hub routes events to sessions grouped into rooms.
type Hub struct {
	log *slog.Logger

	// bmu serializes broadcasts so every subscriber in a room observes
	// events in the same order. Join/Leave only take mu and are never
	// blocked behind a broadcast's enqueue phase for long: enqueueing is
	// non-blocking.
	bmu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session            // session id -> session
	rooms    map[string]map[string]*Session // room -> session id -> session
	joined   map[string]map[string]bool     // session id -> room set
}

// New creates an empty hub.
func New(log *slog.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "hub"),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]bool),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.joined[s.ID] = make(map[string]bool)
}

// Unregister removes a session from the hub and every room, and closes its
// outbound queue. It returns the rooms the session was in so the caller can
// announce the departure.
func (h *Hub) Unregister(sessionID string) []string {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	var rooms []string
	if ok {
		for room := range h.joined[sessionID] {
			rooms = append(rooms, room)
			h.dropFromRoom(sessionID, room)
		}
		delete(h.sessions, sessionID)
		delete(h.joined, sessionID)
	}
	h.mu.Unlock()

	if ok {
		s.close()
	}
	return rooms
}

// Join subscribes a session to a room. Joining twice is a no-op.
func (h *Hub) Join(sessionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Session)
	}
	h.rooms[room][sessionID] = s
	h.joined[sessionID][room] = true
}

// Leave unsubscribes a session from a room.
func (h *Hub) Leave(sessionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		return
	}
	h.dropFromRoom(sessionID, room)
	delete(h.joined[sessionID], room)
}

// InRoom reports whether a session is subscribed to a room.
func (h *Hub) InRoom(sessionID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.joined[sessionID][room]
}

// Broadcast sends an event to every session in a room, optionally excluding
// one session (typically the sender, which already knows what it did).
// Enqueueing happens under the read lock so every session observes room
// events in the same order.
func (h *Hub) Broadcast(room, event string, payload any, excludeSession string) {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Warn("marshal broadcast failed", "event", event, "error", err)
		return
	}

	var overflowed []string
	h.bmu.Lock()
	h.mu.RLock()
	for id, s := range h.rooms[room] {
		if id == excludeSession {
			continue
		}
		if !s.enqueue(msg) {
			overflowed = append(overflowed, id)
		}
	}
	h.mu.RUnlock()
	h.bmu.Unlock()

	// A slow consumer loses its session rather than stalling the room. The
	// connection's write loop notices the closed queue and tears down.
	for _, id := range overflowed {
		h.log.Warn("session send queue full, dropping session", "session", id, "room", room)
		h.Unregister(id)
	}
}

// SendTo delivers an event to one session.
func (h *Hub) SendTo(sessionID, event string, payload any) {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Warn("marshal send failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !s.enqueue(msg) {
		h.log.Warn("session send queue full, dropping session", "session", sessionID)
		h.Unregister(sessionID)
	}
}

// RoomSize returns the number of sessions subscribed to a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// dropFromRoom removes a session from one room's map. Caller holds h.mu.
func (h *Hub) dropFromRoom(sessionID, room string) {
	subs := h.rooms[room]
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.Envelope{Event: event, Data: data})
}
