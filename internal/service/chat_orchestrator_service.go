package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rag-chat-be/internal/constant"
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/entity"
	"rag-chat-be/internal/pkg/logger"
	"rag-chat-be/internal/pkg/serverutils"
	"rag-chat-be/internal/repository/specification"
	"rag-chat-be/internal/repository/unitofwork"
	"rag-chat-be/internal/websocket"
	"rag-chat-be/pkg/llm"
	"rag-chat-be/pkg/rag/prompt"
	"rag-chat-be/pkg/rag/search"
	"rag-chat-be/pkg/utils"

	"github.com/google/uuid"
)

// ErrAdmissionDenied is returned when a websocket upgrade must be rejected.
// The transport closes such connections with a policy-violation code.
var ErrAdmissionDenied = errors.New("admission denied")

// IChatOrchestratorService drives the lifecycle of one chat connection:
// admission, envelope dispatch, streamed generation and teardown.
type IChatOrchestratorService interface {
	Admit(ctx context.Context, sessionId uuid.UUID, token string) (*serverutils.TokenClaims, error)
	Connect(client *websocket.Client)
	HandleEnvelope(ctx context.Context, client *websocket.Client, raw []byte)
	Disconnect(client *websocket.Client)
}

// ChatSettings are the generation and retrieval knobs resolved from config.
type ChatSettings struct {
	DefaultModel        string
	RetrievalTopK       int
	SimilarityThreshold float64
	MaxContextTokens    int
}

type chatOrchestratorService struct {
	registry      *websocket.Registry
	uowFactory    unitofwork.RepositoryFactory
	llmProvider   llm.LLMProvider
	ranker        *search.Ranker
	promptBuilder *prompt.Builder
	publisher     IPublisherService
	settings      ChatSettings
	logger        logger.ILogger

	mu    sync.Mutex
	tasks map[uuid.UUID]*generationTask // active generation per room
}

func NewChatOrchestratorService(
	registry *websocket.Registry,
	uowFactory unitofwork.RepositoryFactory,
	llmProvider llm.LLMProvider,
	ranker *search.Ranker,
	promptBuilder *prompt.Builder,
	publisher IPublisherService,
	settings ChatSettings,
	log logger.ILogger,
) IChatOrchestratorService {
	if settings.DefaultModel == "" {
		settings.DefaultModel = constant.OllamaDefaultModel
	}
	return &chatOrchestratorService{
		registry:      registry,
		uowFactory:    uowFactory,
		llmProvider:   llmProvider,
		ranker:        ranker,
		promptBuilder: promptBuilder,
		publisher:     publisher,
		settings:      settings,
		logger:        log,
		tasks:         make(map[uuid.UUID]*generationTask),
	}
}

// --- Generation task bookkeeping ---

const (
	taskRunning int32 = iota
	taskFinishing
	taskCancelled
)

// generationTask is one in-flight streamed generation. The state word
// guarantees exactly one outcome: either the task claims the finishing state
// and persists, or a cancellation claims it first and nothing is persisted.
type generationTask struct {
	cancel context.CancelFunc
	state  int32
}

func (t *generationTask) Cancel() {
	if atomic.CompareAndSwapInt32(&t.state, taskRunning, taskCancelled) {
		t.cancel()
	}
}

// --- Lifecycle ---

func (s *chatOrchestratorService) Admit(ctx context.Context, sessionId uuid.UUID, token string) (*serverutils.TokenClaims, error) {
	claims, err := serverutils.VerifyToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionDenied, err)
	}

	uow := s.uowFactory.NewUnitOfWork(ctx)
	session, err := uow.ChatSessionRepository().FindOne(ctx,
		specification.ByID{ID: sessionId},
		specification.UserOwnedBy{UserID: claims.UserID},
	)
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session not found or access denied", ErrAdmissionDenied)
	}

	return claims, nil
}

func (s *chatOrchestratorService) Connect(client *websocket.Client) {
	s.registry.Join(client)

	s.deliverToClient(client, dto.ConnectionEstablishedEvent{
		Type:      constant.EventConnectionEstablished,
		SessionId: client.SessionID,
		UserId:    client.UserID,
		Username:  client.Username,
		Timestamp: time.Now(),
	})
}

func (s *chatOrchestratorService) HandleEnvelope(ctx context.Context, client *websocket.Client, raw []byte) {
	var envelope dto.ClientEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Warn("Orchestrator", "Malformed envelope", map[string]interface{}{
			"user_id": client.UserID,
			"error":   err.Error(),
		})
		s.deliverToClient(client, dto.ErrorEvent{
			Type:      constant.EventError,
			Message:   "invalid message format",
			Timestamp: time.Now(),
		})
		return
	}

	switch envelope.Type {
	case constant.EnvelopeChatMessage:
		s.handleChatMessage(ctx, client, &envelope)
	case constant.EnvelopeTyping:
		s.broadcastPresence(client, constant.EventUserTyping)
	case constant.EnvelopeStopTyping:
		s.broadcastPresence(client, constant.EventUserStoppedTyping)
	default:
		s.logger.Debug("Orchestrator", "Unknown envelope type dropped", map[string]interface{}{
			"type":    envelope.Type,
			"user_id": client.UserID,
		})
	}
}

func (s *chatOrchestratorService) Disconnect(client *websocket.Client) {
	s.mu.Lock()
	task := s.tasks[client.SessionID]
	s.mu.Unlock()
	if task != nil {
		task.Cancel()
	}

	s.registry.Leave(client)
}

// --- Envelope handlers ---

func (s *chatOrchestratorService) broadcastPresence(client *websocket.Client, eventType string) {
	s.broadcastToRoom(client.SessionID, dto.PresenceEvent{
		Type:      eventType,
		UserId:    client.UserID,
		Username:  client.Username,
		Timestamp: time.Now(),
	}, client)
}

func (s *chatOrchestratorService) handleChatMessage(ctx context.Context, client *websocket.Client, envelope *dto.ClientEnvelope) {
	content := strings.TrimSpace(envelope.Content)
	if content == "" {
		return
	}

	userMessage := entity.ChatMessage{
		Id:            uuid.New(),
		ChatSessionId: client.SessionID,
		Content:       content,
		Role:          entity.RoleUser,
		CreatedAt:     time.Now(),
	}

	uow := s.uowFactory.NewUnitOfWork(ctx)
	if err := uow.ChatMessageRepository().Create(ctx, &userMessage); err != nil {
		s.logger.Error("Orchestrator", "Failed to persist user message", map[string]interface{}{
			"session_id": client.SessionID,
			"error":      err.Error(),
		})
		s.deliverToClient(client, dto.ErrorEvent{
			Type:      constant.EventError,
			Message:   "failed to save message",
			Timestamp: time.Now(),
		})
		return
	}

	if err := s.publisher.PublishChatMessagePersisted(&dto.ChatMessagePersistedEvent{
		MessageId:     userMessage.Id,
		ChatSessionId: userMessage.ChatSessionId,
		Role:          userMessage.Role,
		Content:       userMessage.Content,
		Timestamp:     userMessage.CreatedAt,
	}); err != nil {
		s.logger.Warn("Orchestrator", "Failed to publish message event", map[string]interface{}{"error": err.Error()})
	}

	s.broadcastToRoom(client.SessionID, dto.UserMessageEvent{
		Type:      constant.EventUserMessage,
		MessageId: userMessage.Id,
		Content:   userMessage.Content,
		UserId:    client.UserID,
		Username:  client.Username,
		Timestamp: userMessage.CreatedAt,
	}, nil)

	s.broadcastToRoom(client.SessionID, dto.AiThinkingEvent{
		Type:      constant.EventAiThinking,
		Timestamp: time.Now(),
	}, nil)

	useRag := envelope.UseRag == nil || *envelope.UseRag
	model := envelope.Model
	if model == "" {
		model = s.settings.DefaultModel
	}

	s.startGeneration(client, content, useRag, model)
}

// --- Generation ---

func (s *chatOrchestratorService) startGeneration(client *websocket.Client, query string, useRag bool, model string) {
	genCtx, cancel := context.WithCancel(context.Background())
	task := &generationTask{
		cancel: cancel,
	}

	// A newer message replaces the handle without cancelling the running
	// task; both streams continue and each finalizes independently.
	s.mu.Lock()
	s.tasks[client.SessionID] = task
	s.mu.Unlock()

	go s.runGeneration(genCtx, task, client, query, useRag, model)
}

// finalize is the single exit path for every generation outcome. The handle
// is removed only when it still belongs to this task, so a newer task's
// entry is never clobbered by a stale finisher.
func (s *chatOrchestratorService) finalize(sessionId uuid.UUID, task *generationTask) {
	s.mu.Lock()
	if s.tasks[sessionId] == task {
		delete(s.tasks, sessionId)
	}
	s.mu.Unlock()
}

func (s *chatOrchestratorService) runGeneration(ctx context.Context, task *generationTask, client *websocket.Client, query string, useRag bool, model string) {
	defer s.finalize(client.SessionID, task)

	start := time.Now()

	ragContext := ""
	if useRag {
		results, err := s.ranker.Rank(ctx, query, client.UserID,
			s.settings.RetrievalTopK, s.settings.SimilarityThreshold)
		if err != nil {
			s.logger.Warn("Orchestrator", "Retrieval failed, answering without context", map[string]interface{}{
				"session_id": client.SessionID,
				"error":      err.Error(),
			})
		} else {
			ragContext = s.promptBuilder.BuildContext(results, s.settings.MaxContextTokens)
		}
	}

	fullPrompt := s.promptBuilder.BuildPrompt(query, "", ragContext)

	var response strings.Builder
	streamErr := s.llmProvider.GenerateStream(ctx, fullPrompt, func(chunk string) error {
		response.WriteString(chunk)
		s.broadcastToRoom(client.SessionID, dto.AiMessageStreamEvent{
			Type:      constant.EventAiMessageStream,
			Content:   chunk,
			Timestamp: time.Now(),
		}, nil)
		return nil
	}, llm.WithModel(model))

	if streamErr != nil {
		if atomic.LoadInt32(&task.state) == taskCancelled || ctx.Err() != nil {
			// Cancelled generations end silently: no event, no row.
			s.logger.Info("Orchestrator", "Generation cancelled", map[string]interface{}{
				"session_id": client.SessionID,
			})
			return
		}
		if !atomic.CompareAndSwapInt32(&task.state, taskRunning, taskFinishing) {
			return
		}
		s.logger.Error("Orchestrator", "Generation stream failed", map[string]interface{}{
			"session_id": client.SessionID,
			"error":      streamErr.Error(),
		})
		s.deliverToClient(client, dto.AiErrorEvent{
			Type:      constant.EventAiError,
			Message:   "generation failed, please retry",
			Timestamp: time.Now(),
		})
		return
	}

	// Claim the outcome. A cancellation that lost this race has no effect.
	if !atomic.CompareAndSwapInt32(&task.state, taskRunning, taskFinishing) {
		return
	}

	content := strings.TrimSpace(response.String())
	elapsedMs := int(time.Since(start).Milliseconds())

	assistantMessage := entity.ChatMessage{
		Id:             uuid.New(),
		ChatSessionId:  client.SessionID,
		Content:        content,
		Role:           entity.RoleAssistant,
		TokensUsed:     utils.CountTokens(content),
		ModelUsed:      model,
		ResponseTimeMs: elapsedMs,
		CreatedAt:      time.Now(),
	}

	// Persist with a fresh context: the finishing task must outlive both the
	// generation context and the originating connection.
	persistCtx := context.Background()
	uow := s.uowFactory.NewUnitOfWork(persistCtx)
	if err := uow.ChatMessageRepository().Create(persistCtx, &assistantMessage); err != nil {
		s.logger.Error("Orchestrator", "Failed to persist assistant message", map[string]interface{}{
			"session_id": client.SessionID,
			"error":      err.Error(),
		})
		s.deliverToClient(client, dto.AiErrorEvent{
			Type:      constant.EventAiError,
			Message:   "failed to save response",
			Timestamp: time.Now(),
		})
		return
	}

	if err := s.publisher.PublishChatMessagePersisted(&dto.ChatMessagePersistedEvent{
		MessageId:     assistantMessage.Id,
		ChatSessionId: assistantMessage.ChatSessionId,
		Role:          assistantMessage.Role,
		Content:       assistantMessage.Content,
		Timestamp:     assistantMessage.CreatedAt,
	}); err != nil {
		s.logger.Warn("Orchestrator", "Failed to publish message event", map[string]interface{}{"error": err.Error()})
	}

	s.broadcastToRoom(client.SessionID, dto.AiMessageEvent{
		Type:           constant.EventAiMessage,
		MessageId:      assistantMessage.Id,
		Content:        assistantMessage.Content,
		ModelUsed:      assistantMessage.ModelUsed,
		TokensUsed:     assistantMessage.TokensUsed,
		ResponseTimeMs: assistantMessage.ResponseTimeMs,
		Timestamp:      assistantMessage.CreatedAt,
	}, nil)
}

// --- Delivery helpers ---

func (s *chatOrchestratorService) broadcastToRoom(sessionId uuid.UUID, event interface{}, exclude *websocket.Client) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Orchestrator", "Failed to marshal event", map[string]interface{}{"error": err.Error()})
		return
	}
	s.registry.Broadcast(sessionId, payload, exclude)
}

func (s *chatOrchestratorService) deliverToClient(client *websocket.Client, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Orchestrator", "Failed to marshal event", map[string]interface{}{"error": err.Error()})
		return
	}
	if !client.Deliver(payload) {
		s.registry.Leave(client)
	}
}
