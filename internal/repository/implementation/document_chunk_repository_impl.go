package implementation

import (
	"context"

	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/mapper"
	"rag-chat-be/internal/model"
	"rag-chat-be/internal/repository/contract"
	"rag-chat-be/internal/repository/specification"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

type DocumentChunkRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.DocumentMapper
}

func NewDocumentChunkRepository(db *gorm.DB) contract.DocumentChunkRepository {
	return &DocumentChunkRepositoryImpl{
		db:     db,
		mapper: mapper.NewDocumentMapper(),
	}
}

func (r *DocumentChunkRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *DocumentChunkRepositoryImpl) Create(ctx context.Context, chunk *entity.DocumentChunk) error {
	m := r.mapper.DocumentChunkToModel(chunk)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*chunk = *r.mapper.DocumentChunkToEntity(m)
	return nil
}

func (r *DocumentChunkRepositoryImpl) CreateBulk(ctx context.Context, chunks []*entity.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	models := make([]*model.DocumentChunk, len(chunks))
	for i, c := range chunks {
		models[i] = r.mapper.DocumentChunkToModel(c)
	}
	return r.db.WithContext(ctx).Create(models).Error
}

func (r *DocumentChunkRepositoryImpl) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&model.DocumentChunk{}, id).Error
}

func (r *DocumentChunkRepositoryImpl) DeleteByDocumentId(ctx context.Context, documentId uuid.UUID) error {
	return r.db.WithContext(ctx).Where("document_id = ?", documentId).Delete(&model.DocumentChunk{}).Error
}

func (r *DocumentChunkRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.DocumentChunk, error) {
	var models []*model.DocumentChunk
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	entities := make([]*entity.DocumentChunk, len(models))
	for i, m := range models {
		entities[i] = r.mapper.DocumentChunkToEntity(m)
	}
	return entities, nil
}

func (r *DocumentChunkRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.DocumentChunk{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

type chunkWithSourceRow struct {
	Id         uuid.UUID
	DocumentId uuid.UUID
	Content    string
	ChunkIndex int
	Embedding  pgvector.Vector
	Filename   string
}

func (r *DocumentChunkRepositoryImpl) FindProcessedByUserId(ctx context.Context, userId uuid.UUID) ([]*contract.ChunkWithSource, error) {
	var rows []chunkWithSourceRow

	err := r.db.WithContext(ctx).
		Table("document_chunks").
		Select("document_chunks.id, document_chunks.document_id, document_chunks.content, document_chunks.chunk_index, document_chunks.embedding, documents.filename").
		Joins("JOIN documents ON documents.id = document_chunks.document_id").
		Where("documents.user_id = ?", userId).
		Where("documents.is_processed = ?", true).
		Where("documents.deleted_at IS NULL").
		Where("document_chunks.deleted_at IS NULL").
		Where("document_chunks.embedding IS NOT NULL").
		Order("documents.filename ASC, document_chunks.chunk_index ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	results := make([]*contract.ChunkWithSource, len(rows))
	for i, row := range rows {
		results[i] = &contract.ChunkWithSource{
			Chunk: &entity.DocumentChunk{
				Id:         row.Id,
				DocumentId: row.DocumentId,
				Content:    row.Content,
				ChunkIndex: row.ChunkIndex,
				Embedding:  row.Embedding.Slice(),
			},
			Filename: row.Filename,
		}
	}
	return results, nil
}
