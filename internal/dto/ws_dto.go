package dto

import (
	"time"

	"github.com/google/uuid"
)

// ClientEnvelope is the inbound websocket frame. Unknown types are dropped
// by the orchestrator.
type ClientEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	UseRag  *bool  `json:"use_rag,omitempty"` // nil means enabled
	Model   string `json:"model,omitempty"`
}

// Outbound websocket events. Every payload carries its event type and a
// timestamp so clients can render a consistent stream.

type ConnectionEstablishedEvent struct {
	Type      string    `json:"type"`
	SessionId uuid.UUID `json:"session_id"`
	UserId    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceEvent struct {
	Type      string    `json:"type"`
	UserId    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type UserMessageEvent struct {
	Type      string    `json:"type"`
	MessageId uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
	UserId    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type AiThinkingEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type AiMessageStreamEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type AiMessageEvent struct {
	Type           string    `json:"type"`
	MessageId      uuid.UUID `json:"message_id"`
	Content        string    `json:"content"`
	ModelUsed      string    `json:"model_used"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMs int       `json:"response_time"`
	Timestamp      time.Time `json:"timestamp"`
}

type AiErrorEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence and stats read models served over REST.

type RoomUsersResponse struct {
	SessionId uuid.UUID  `json:"session_id"`
	Users     []RoomUser `json:"users"`
	Count     int        `json:"count"`
}

type RoomUser struct {
	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

type WsStatsResponse struct {
	ActiveRooms       int `json:"active_rooms"`
	ActiveConnections int `json:"active_connections"`
}
