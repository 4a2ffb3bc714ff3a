package bootstrap

import (
	"log"

	"rag-chat-be/internal/config"
	"rag-chat-be/internal/controller"
	"rag-chat-be/internal/handler"
	"rag-chat-be/internal/pkg/logger"
	"rag-chat-be/internal/repository/unitofwork"
	"rag-chat-be/internal/service"
	"rag-chat-be/internal/websocket"
	"rag-chat-be/pkg/embedding"
	"rag-chat-be/pkg/llm/factory"
	"rag-chat-be/pkg/rag/prompt"
	"rag-chat-be/pkg/rag/search"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	ChatController     controller.IChatController
	DocumentController controller.IDocumentController

	// WebSocket surface
	ChatWsHandler *handler.ChatWsHandler
	Registry      *websocket.Registry

	// Background services (exposed for main.go to run)
	ConsumerService service.IConsumerService
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core facades
	uowFactory := unitofwork.NewRepositoryFactory(db)
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	wsLogger := logger.NewIsolatedLogger(cfg.App.WsLogFilePath)

	// 2. Event bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 3. AI providers
	var embeddingProvider embedding.Provider
	if cfg.Ai.EmbeddingProvider == "gemini" {
		embeddingProvider = embedding.NewGeminiProvider(cfg.Keys.GoogleGemini)
		log.Printf("[INFO] Using embedding provider: GEMINI")
	} else {
		embeddingProvider = embedding.NewOllamaProvider(
			cfg.Ai.OllamaBaseURL,
			cfg.Ai.EmbeddingModel,
		)
		log.Printf("[INFO] Using embedding provider: OLLAMA (%s)", cfg.Ai.EmbeddingModel)
	}

	llmProvider, err := factory.NewLLMProvider(
		cfg.Ai.LLMProvider,
		cfg.Ai.LLMModel,
		cfg.Ai.OllamaBaseURL,
	)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM provider: %v", err)
	}
	log.Printf("[INFO] Using LLM provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)

	// 4. Chat infrastructure
	registry := websocket.NewRegistry(wsLogger)
	ranker := search.NewRanker(embeddingProvider, uowFactory, sysLogger)
	promptBuilder := prompt.NewBuilder()

	publisherService := service.NewPublisherService(pubSub)
	consumerService := service.NewConsumerService(pubSub, uowFactory)

	chatService := service.NewChatService(uowFactory)
	documentService := service.NewDocumentService(uowFactory)

	orchestrator := service.NewChatOrchestratorService(
		registry,
		uowFactory,
		llmProvider,
		ranker,
		promptBuilder,
		publisherService,
		service.ChatSettings{
			DefaultModel:        cfg.Ai.LLMModel,
			RetrievalTopK:       cfg.Chat.RetrievalTopK,
			SimilarityThreshold: cfg.Chat.SimilarityThreshold,
			MaxContextTokens:    cfg.Chat.MaxContextTokens,
		},
		wsLogger,
	)

	return &Container{
		ChatController:     controller.NewChatController(chatService),
		DocumentController: controller.NewDocumentController(documentService),
		ChatWsHandler:      handler.NewChatWsHandler(orchestrator, registry, wsLogger),
		Registry:           registry,
		ConsumerService:    consumerService,
	}
}
