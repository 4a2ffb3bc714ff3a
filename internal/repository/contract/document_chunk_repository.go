package contract

import (
	"context"

	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/repository/specification"

	"github.com/google/uuid"
)

// ChunkWithSource pairs a chunk with the filename of its parent document so
// retrieval can attribute sources without a second lookup.
type ChunkWithSource struct {
	Chunk    *entity.DocumentChunk
	Filename string
}

type DocumentChunkRepository interface {
	Create(ctx context.Context, chunk *entity.DocumentChunk) error
	CreateBulk(ctx context.Context, chunks []*entity.DocumentChunk) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByDocumentId(ctx context.Context, documentId uuid.UUID) error
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.DocumentChunk, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)

	// FindProcessedByUserId returns every embedded chunk of the user's
	// processed documents, joined with the source filename.
	FindProcessedByUserId(ctx context.Context, userId uuid.UUID) ([]*ChunkWithSource, error)
}
