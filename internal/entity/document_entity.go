package entity

import (
	"time"

	"github.com/google/uuid"
)

type Document struct {
	Id          uuid.UUID
	UserId      uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	IsProcessed bool
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	DeletedAt   *time.Time
	IsDeleted   bool
}
