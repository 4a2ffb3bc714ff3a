package entity

import (
	"time"

	"github.com/google/uuid"
)

type DocumentChunk struct {
	Id         uuid.UUID
	DocumentId uuid.UUID
	Content    string
	ChunkIndex int
	TokenCount int
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  *time.Time
	DeletedAt  *time.Time
	IsDeleted  bool
}
