package service

import (
	"context"
	"fmt"
	"time"

	"rag-chat-be/internal/constant"
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// IChatService manages chat sessions and their history over REST.
type IChatService interface {
	CreateSession(ctx context.Context, userId uuid.UUID, request *dto.CreateSessionRequest) (*dto.CreateSessionResponse, error)
	GetAllSessions(ctx context.Context, userId uuid.UUID) ([]*dto.GetAllSessionsResponse, error)
	GetChatHistory(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) ([]*dto.GetChatHistoryResponse, error)
	DeleteSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error

	// VerifySession checks existence and ownership, returning the session.
	VerifySession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (*entity.ChatSession, error)
}

type chatService struct {
	uowFactory unitofwork.RepositoryFactory
}

func NewChatService(uowFactory unitofwork.RepositoryFactory) IChatService {
	return &chatService{
		uowFactory: uowFactory,
	}
}

func (cs *chatService) CreateSession(ctx context.Context, userId uuid.UUID, request *dto.CreateSessionRequest) (*dto.CreateSessionResponse, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	title := request.Title
	if title == "" {
		title = constant.DefaultSessionTitle
	}

	chatSession := entity.ChatSession{
		Id:        uuid.New(),
		UserId:    userId,
		Title:     title,
		CreatedAt: time.Now(),
	}

	if err := uow.ChatSessionRepository().Create(ctx, &chatSession); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &dto.CreateSessionResponse{
		Id:    chatSession.Id,
		Title: chatSession.Title,
	}, nil
}

func (cs *chatService) GetAllSessions(ctx context.Context, userId uuid.UUID) ([]*dto.GetAllSessionsResponse, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	sessions, err := uow.ChatSessionRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.OrderBy{Field: "created_at", Desc: true},
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	responses := make([]*dto.GetAllSessionsResponse, len(sessions))
	for i, s := range sessions {
		responses[i] = &dto.GetAllSessionsResponse{
			Id:        s.Id,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
	}
	return responses, nil
}

func (cs *chatService) GetChatHistory(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) ([]*dto.GetChatHistoryResponse, error) {
	if _, err := cs.VerifySession(ctx, userId, sessionId); err != nil {
		return nil, err
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.OrderBy{Field: "created_at", Desc: false},
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	responses := make([]*dto.GetChatHistoryResponse, len(messages))
	for i, m := range messages {
		responses[i] = &dto.GetChatHistoryResponse{
			Id:             m.Id,
			Role:           m.Role,
			Content:        m.Content,
			TokensUsed:     m.TokensUsed,
			ModelUsed:      m.ModelUsed,
			ResponseTimeMs: m.ResponseTimeMs,
			CreatedAt:      m.CreatedAt,
		}
	}
	return responses, nil
}

func (cs *chatService) DeleteSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error {
	if _, err := cs.VerifySession(ctx, userId, sessionId); err != nil {
		return err
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.ChatMessageRepository().DeleteByChatSessionId(ctx, sessionId); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := uow.ChatSessionRepository().Delete(ctx, sessionId); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return uow.Commit()
}

func (cs *chatService) VerifySession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (*entity.ChatSession, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	session, err := uow.ChatSessionRepository().FindOne(ctx,
		specification.ByID{ID: sessionId},
		specification.UserOwnedBy{UserID: userId},
	)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "session not found or access denied")
	}
	return session, nil
}
