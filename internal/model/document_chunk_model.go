package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

type DocumentChunk struct {
	Id         uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	DocumentId uuid.UUID       `gorm:"type:uuid;not null;index"`
	Content    string          `gorm:"type:text;not null"`
	ChunkIndex int             `gorm:"default:0"` // 0-based index for ordering
	TokenCount int             `gorm:"default:0"` // written by the ingestion pipeline
	Embedding  pgvector.Vector `gorm:"type:vector(768)"` // nomic/text-embedding-004 use 768 dimensions
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime"`
	DeletedAt  gorm.DeletedAt  `gorm:"index"`
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
