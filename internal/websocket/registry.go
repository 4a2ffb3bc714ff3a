package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"rag-chat-be/internal/constant"
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/pkg/logger"

	"github.com/google/uuid"
)

// Registry tracks which connection belongs to which room. Rooms are keyed by
// chat session id; inside a room each user holds at most one connection.
type Registry struct {
	mu sync.RWMutex

	// sessionID -> userID -> client
	rooms map[uuid.UUID]map[uuid.UUID]*Client

	logger logger.ILogger
}

func NewRegistry(log logger.ILogger) *Registry {
	return &Registry{
		rooms:  make(map[uuid.UUID]map[uuid.UUID]*Client),
		logger: log,
	}
}

// Join registers the client in its room. A previous connection of the same
// user in that room is closed and replaced. The rest of the room is notified
// with a user_joined event.
func (r *Registry) Join(client *Client) {
	r.mu.Lock()
	room, ok := r.rooms[client.SessionID]
	if !ok {
		room = make(map[uuid.UUID]*Client)
		r.rooms[client.SessionID] = room
	}
	prior := room[client.UserID]
	room[client.UserID] = client
	r.mu.Unlock()

	if prior != nil && prior != client {
		prior.shutdown()
	}

	r.logger.Info("Registry", "Client joined room", map[string]interface{}{
		"session_id": client.SessionID,
		"user_id":    client.UserID,
	})

	r.Broadcast(client.SessionID, marshalEvent(dto.PresenceEvent{
		Type:      constant.EventUserJoined,
		UserId:    client.UserID,
		Username:  client.Username,
		Timestamp: time.Now(),
	}), client)
}

// Leave removes the client from its room and closes it. It is a no-op when
// the client was never registered or was already replaced, so reap paths and
// disconnects can call it without coordination.
func (r *Registry) Leave(client *Client) {
	r.mu.Lock()
	room, ok := r.rooms[client.SessionID]
	if !ok || room[client.UserID] != client {
		r.mu.Unlock()
		return
	}
	delete(room, client.UserID)
	if len(room) == 0 {
		delete(r.rooms, client.SessionID)
	}
	r.mu.Unlock()

	client.shutdown()

	r.logger.Info("Registry", "Client left room", map[string]interface{}{
		"session_id": client.SessionID,
		"user_id":    client.UserID,
	})

	r.Broadcast(client.SessionID, marshalEvent(dto.PresenceEvent{
		Type:      constant.EventUserLeft,
		UserId:    client.UserID,
		Username:  client.Username,
		Timestamp: time.Now(),
	}), nil)
}

// Send delivers payload to every connection the user holds, in any room.
// Dead connections are reaped.
func (r *Registry) Send(userID uuid.UUID, payload []byte) {
	r.mu.RLock()
	var targets []*Client
	for _, room := range r.rooms {
		if c, ok := room[userID]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.Deliver(payload) {
			r.reap(c)
		}
	}
}

// Broadcast delivers payload to every member of the room except exclude.
// Membership is snapshotted first so delivery never happens under the lock;
// members that fail to accept are reaped.
func (r *Registry) Broadcast(sessionID uuid.UUID, payload []byte, exclude *Client) {
	r.mu.RLock()
	room := r.rooms[sessionID]
	targets := make([]*Client, 0, len(room))
	for _, c := range room {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.Deliver(payload) {
			r.reap(c)
		}
	}
}

func (r *Registry) reap(c *Client) {
	r.logger.Warn("Registry", "Dropping unresponsive client", map[string]interface{}{
		"session_id": c.SessionID,
		"user_id":    c.UserID,
	})
	r.Leave(c)
}

// Members lists the users currently connected to a room.
func (r *Registry) Members(sessionID uuid.UUID) []dto.RoomUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[sessionID]
	users := make([]dto.RoomUser, 0, len(room))
	for _, c := range room {
		users = append(users, dto.RoomUser{
			UserId:   c.UserID,
			Username: c.Username,
		})
	}
	return users
}

// Stats reports aggregate room and connection counts.
func (r *Registry) Stats() dto.WsStatsResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, room := range r.rooms {
		total += len(room)
	}
	return dto.WsStatsResponse{
		ActiveRooms:       len(r.rooms),
		ActiveConnections: total,
	}
}

func marshalEvent(event interface{}) []byte {
	data, _ := json.Marshal(event)
	return data
}
