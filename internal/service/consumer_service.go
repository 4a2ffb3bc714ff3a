package service

import (
	"context"
	"encoding/json"
	"log"
	"time"
	"unicode/utf8"

	"rag-chat-be/internal/constant"
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// IConsumerService reacts to persisted-message events. Its one job today is
// deriving a session title from the first user message.
type IConsumerService interface {
	Consume(ctx context.Context) error
}

type consumerService struct {
	pubSub     *gochannel.GoChannel
	uowFactory unitofwork.RepositoryFactory
}

func NewConsumerService(
	pubSub *gochannel.GoChannel,
	uowFactory unitofwork.RepositoryFactory,
) IConsumerService {
	return &consumerService{
		pubSub:     pubSub,
		uowFactory: uowFactory,
	}
}

func (cs *consumerService) Consume(ctx context.Context) error {
	messages, err := cs.pubSub.Subscribe(ctx, TopicChatMessagePersisted)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			cs.processMessage(ctx, msg)
		}
	}()

	return nil
}

func (cs *consumerService) processMessage(ctx context.Context, msg *message.Message) {
	var payload dto.ChatMessagePersistedEvent
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("[ERROR] Failed to unmarshal message: %v", err)
		msg.Ack() // Ack invalid messages to prevent infinite retry
		return
	}

	if payload.Role != entity.RoleUser {
		msg.Ack()
		return
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)

	session, err := uow.ChatSessionRepository().FindOne(ctx, specification.ByID{ID: payload.ChatSessionId})
	if err != nil {
		log.Printf("[ERROR] Failed to load session %s: %v", payload.ChatSessionId, err)
		msg.Nack()
		return
	}
	if session == nil {
		// Session deleted in the meantime, nothing to title.
		msg.Ack()
		return
	}
	if session.Title != constant.DefaultSessionTitle {
		msg.Ack()
		return
	}

	now := time.Now()
	session.Title = deriveTitle(payload.Content)
	session.UpdatedAt = &now

	if err := uow.ChatSessionRepository().Update(ctx, session); err != nil {
		log.Printf("[ERROR] Failed to update session title %s: %v", session.Id, err)
		msg.Nack()
		return
	}

	log.Printf("[INFO] Session %s titled from first message", session.Id)
	msg.Ack()
}

func deriveTitle(content string) string {
	if utf8.RuneCountInString(content) <= constant.SessionTitleMaxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:constant.SessionTitleMaxLen]) + "..."
}
