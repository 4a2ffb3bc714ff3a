package service

import (
	"context"
	"fmt"

	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// IDocumentService exposes the read and delete surface over ingested
// documents. Ingestion itself happens out of process.
type IDocumentService interface {
	GetAllDocuments(ctx context.Context, userId uuid.UUID) ([]*dto.DocumentResponse, error)
	DeleteDocument(ctx context.Context, userId uuid.UUID, documentId uuid.UUID) error
}

type documentService struct {
	uowFactory unitofwork.RepositoryFactory
}

func NewDocumentService(uowFactory unitofwork.RepositoryFactory) IDocumentService {
	return &documentService{
		uowFactory: uowFactory,
	}
}

func (ds *documentService) GetAllDocuments(ctx context.Context, userId uuid.UUID) ([]*dto.DocumentResponse, error) {
	uow := ds.uowFactory.NewUnitOfWork(ctx)

	documents, err := uow.DocumentRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.OrderBy{Field: "created_at", Desc: true},
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	responses := make([]*dto.DocumentResponse, len(documents))
	for i, d := range documents {
		responses[i] = &dto.DocumentResponse{
			Id:          d.Id,
			Filename:    d.Filename,
			ContentType: d.ContentType,
			SizeBytes:   d.SizeBytes,
			IsProcessed: d.IsProcessed,
			CreatedAt:   d.CreatedAt,
		}
	}
	return responses, nil
}

func (ds *documentService) DeleteDocument(ctx context.Context, userId uuid.UUID, documentId uuid.UUID) error {
	uow := ds.uowFactory.NewUnitOfWork(ctx)

	document, err := uow.DocumentRepository().FindOne(ctx,
		specification.ByID{ID: documentId},
		specification.UserOwnedBy{UserID: userId},
	)
	if err != nil {
		return err
	}
	if document == nil {
		return fiber.NewError(fiber.StatusNotFound, "document not found or access denied")
	}

	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.DocumentChunkRepository().DeleteByDocumentId(ctx, documentId); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := uow.DocumentRepository().Delete(ctx, documentId); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	return uow.Commit()
}
