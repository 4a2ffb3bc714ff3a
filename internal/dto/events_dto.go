package dto

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessagePersistedEvent is published on the in-process bus after a
// message row is committed.
type ChatMessagePersistedEvent struct {
	MessageId     uuid.UUID `json:"message_id"`
	ChatSessionId uuid.UUID `json:"chat_session_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
}
