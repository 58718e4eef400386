package chat

import (
	"log/slog"
	"sync"

	v1 "servichat/shared/contracts/chat/v1"
)

// RoomManager tracks which connections are subscribed to which conversation's
// event stream (topic = conversation id).
//
// It performs no authorization: callers must verify the user is a declared
// participant in the persisted conversation before joining.
//
// Concurrency guarantees:
// - Join/Leave/LeaveAll are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Publish is panic-safe because Client.Send is never closed by the server.
type RoomManager struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	rooms map[string]map[string]*Client // conversationID -> sessionID -> client
}

// NewRoomManager constructs a RoomManager.
func NewRoomManager(log *slog.Logger, metrics *Metrics) *RoomManager {
	return &RoomManager{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]map[string]*Client),
	}
}

// Join adds the connection to the topic's subscriber set.
func (m *RoomManager) Join(conversationID string, c *Client) {
	if m == nil || c == nil || conversationID == "" || c.SessionID == "" {
		return
	}

	m.mu.Lock()
	room := m.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		m.rooms[conversationID] = room
	}
	room[c.SessionID] = c
	m.mu.Unlock()

	m.log.Info("room.join", "conversation_id", conversationID, "session_id", c.SessionID)
}

// Leave removes membership; no-op if absent. Empty rooms are pruned.
func (m *RoomManager) Leave(conversationID, sessionID string) {
	if m == nil || conversationID == "" || sessionID == "" {
		return
	}

	m.mu.Lock()
	if room, ok := m.rooms[conversationID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(m.rooms, conversationID)
		}
	}
	m.mu.Unlock()

	m.log.Info("room.leave", "conversation_id", conversationID, "session_id", sessionID)
}

// LeaveAll removes the connection from every topic it belonged to.
// Invoked automatically on disconnect.
func (m *RoomManager) LeaveAll(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}

	m.mu.Lock()
	for id, room := range m.rooms {
		if _, ok := room[sessionID]; !ok {
			continue
		}
		delete(room, sessionID)
		if len(room) == 0 {
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()
}

// IsMember reports whether sessionID is currently subscribed to conversationID.
func (m *RoomManager) IsMember(conversationID, sessionID string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[conversationID]
	if !ok {
		return false
	}
	_, ok = room[sessionID]
	return ok
}

// Publish delivers env to every connection currently subscribed to
// conversationID. Best-effort: no delivery confirmation, no ordering guarantee
// across conversations; within one connection delivery follows the transport's
// FIFO ordering.
func (m *RoomManager) Publish(conversationID string, env v1.Envelope) {
	if m == nil || conversationID == "" {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, member := range m.rooms[conversationID] {
		if !member.TrySend(env) {
			// Drop rather than block the whole room. Recovery is via the
			// paginated history fetch, not push-retry.
			m.metrics.fanoutDropped()
		}
	}
}
