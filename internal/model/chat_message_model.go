package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatMessage struct {
	Id             uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ChatSessionId  uuid.UUID      `gorm:"type:uuid;not null;index"`
	Content        string         `gorm:"type:text;not null"`
	Role           string         `gorm:"type:varchar(50);not null"`
	TokensUsed     int            `gorm:"default:0"`
	ModelUsed      string         `gorm:"type:varchar(100)"`
	ResponseTimeMs int            `gorm:"default:0"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}
