package entity

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Id            uuid.UUID
	ChatSessionId uuid.UUID
	Content       string
	Role          string

	// Generation metadata, zero-valued on user messages.
	TokensUsed     int
	ModelUsed      string
	ResponseTimeMs int

	CreatedAt time.Time
	UpdatedAt *time.Time
	DeletedAt *time.Time
	IsDeleted bool
}
