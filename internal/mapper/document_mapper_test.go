package mapper

import (
	"testing"
	"time"

	"rag-chat-be/internal/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentChunkMappingRoundTrip(t *testing.T) {
	m := NewDocumentMapper()

	chunk := &entity.DocumentChunk{
		Id:         uuid.New(),
		DocumentId: uuid.New(),
		Content:    "go is a statically typed language",
		ChunkIndex: 3,
		TokenCount: 6,
		Embedding:  []float32{0.1, 0.2, 0.3},
		CreatedAt:  time.Now(),
	}

	stored := m.DocumentChunkToModel(chunk)
	require.NotNil(t, stored)
	assert.Equal(t, chunk.TokenCount, stored.TokenCount)
	assert.Equal(t, chunk.ChunkIndex, stored.ChunkIndex)
	assert.Equal(t, chunk.Embedding, stored.Embedding.Slice())
	assert.False(t, stored.DeletedAt.Valid)

	back := m.DocumentChunkToEntity(stored)
	require.NotNil(t, back)
	assert.Equal(t, chunk.TokenCount, back.TokenCount)
	assert.Equal(t, chunk.Content, back.Content)
	assert.Equal(t, chunk.Embedding, back.Embedding)
	assert.False(t, back.IsDeleted)
}

func TestDocumentChunkMappingNil(t *testing.T) {
	m := NewDocumentMapper()
	assert.Nil(t, m.DocumentChunkToModel(nil))
	assert.Nil(t, m.DocumentChunkToEntity(nil))
}
