package service

import (
	"encoding/json"
	"fmt"

	"rag-chat-be/internal/dto"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicChatMessagePersisted carries events emitted after a chat message row
// is committed.
const TopicChatMessagePersisted = "chat.message.persisted"

type IPublisherService interface {
	PublishChatMessagePersisted(event *dto.ChatMessagePersistedEvent) error
}

type publisherService struct {
	pubSub *gochannel.GoChannel
}

func NewPublisherService(pubSub *gochannel.GoChannel) IPublisherService {
	return &publisherService{
		pubSub: pubSub,
	}
}

func (ps *publisherService) PublishChatMessagePersisted(event *dto.ChatMessagePersistedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	return ps.pubSub.Publish(TopicChatMessagePersisted, msg)
}
